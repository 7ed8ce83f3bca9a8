package buffer

// LengthRatioFloor is the length ratio below which two OCR strings are
// considered different without comparing characters.
const LengthRatioFloor = 0.5

// ocrCompareChars bounds the positional comparison.
const ocrCompareChars = 200

// OCRSimilarity estimates how alike two OCR captures are, in [0,1].
func OCRSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if a == "" || b == "" {
		return 0
	}

	ra, rb := []rune(a), []rune(b)
	shorter, longer := len(ra), len(rb)
	if shorter > longer {
		shorter, longer = longer, shorter
	}
	ratio := float64(shorter) / float64(longer)
	if ratio < LengthRatioFloor {
		return ratio
	}

	n := min(ocrCompareChars, shorter)
	matches := 0
	for i := 0; i < n; i++ {
		if ra[i] == rb[i] {
			matches++
		}
	}
	return float64(matches) / float64(min(ocrCompareChars, longer))
}
