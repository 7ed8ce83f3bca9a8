package analyzer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cexll/agentsdk-go/pkg/model"
	"github.com/stellarlinkco/ambient/internal/config"
)

const openAIPrefix = "openai/"

// Completer is the part of model.Model the analyzer uses.
type Completer interface {
	Complete(ctx context.Context, req model.Request) (*model.Response, error)
}

// ClientFactory returns a client for a configured model name.
type ClientFactory func(ctx context.Context, name string) (Completer, error)

// DefaultClientFactory builds agentsdk-go providers, one per model name.
// Names prefixed "openai/" use the OpenAI provider; others follow the
// configured provider type.
func DefaultClientFactory(p config.ProviderConfig, maxTokens int) ClientFactory {
	var mu sync.Mutex
	providers := make(map[string]model.Provider)

	return func(ctx context.Context, name string) (Completer, error) {
		mu.Lock()
		prov, ok := providers[name]
		if !ok {
			prov = newProvider(p, name, maxTokens)
			providers[name] = prov
		}
		mu.Unlock()

		m, err := prov.Model(ctx)
		if err != nil {
			return nil, err
		}
		return m, nil
	}
}

func newProvider(p config.ProviderConfig, name string, maxTokens int) model.Provider {
	if strings.HasPrefix(name, openAIPrefix) {
		key, base := p.OpenAIKey, p.OpenAIBaseURL
		if p.Type == "openai" {
			if key == "" {
				key = p.APIKey
			}
			if base == "" {
				base = p.BaseURL
			}
		}
		return &model.OpenAIProvider{
			APIKey:    key,
			BaseURL:   base,
			ModelName: strings.TrimPrefix(name, openAIPrefix),
			MaxTokens: maxTokens,
			CacheTTL:  time.Hour,
		}
	}

	switch p.Type {
	case "openai":
		return &model.OpenAIProvider{
			APIKey:    p.APIKey,
			BaseURL:   p.BaseURL,
			ModelName: name,
			MaxTokens: maxTokens,
			CacheTTL:  time.Hour,
		}
	default: // "anthropic" or empty
		return &model.AnthropicProvider{
			APIKey:    p.APIKey,
			BaseURL:   p.BaseURL,
			ModelName: name,
			MaxTokens: maxTokens,
			CacheTTL:  time.Hour,
		}
	}
}
