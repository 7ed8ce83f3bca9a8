package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/ambient/internal/config"
)

// HookPayload is the body of a hooks POST.
type HookPayload struct {
	Message  string `json:"message"`
	Name     string `json:"name"`
	WakeMode string `json:"wakeMode"`
	Deliver  bool   `json:"deliver"`
}

// HooksClient delivers messages through the gateway's HTTP hooks endpoint.
// It is fire-and-forget: only the HTTP status is checked.
type HooksClient struct {
	url        string
	token      string
	name       string
	wakeMode   string
	deliver    bool
	httpClient *http.Client
}

func NewHooksClient(cfg config.HooksConfig) *HooksClient {
	wake := cfg.WakeMode
	if wake == "" {
		wake = "now"
	}
	return &HooksClient{
		url:        cfg.URL,
		token:      cfg.Token,
		name:       cfg.Name,
		wakeMode:   wake,
		deliver:    cfg.Deliver,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (h *HooksClient) Send(ctx context.Context, message string) error {
	body, err := json.Marshal(HookPayload{
		Message:  message,
		Name:     h.name,
		WakeMode: h.wakeMode,
		Deliver:  h.deliver,
	})
	if err != nil {
		return fmt.Errorf("marshal hook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create hook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send hook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hook http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
