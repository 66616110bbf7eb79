package llm

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Options configures the completer chain built by New.
type Options struct {
	Provider     string
	Model        string
	BaseURL      string
	APIKey       string
	GatewayURL   string
	GatewayToken string
	Timeout      time.Duration
	Logger       *slog.Logger
	// KV persists failover breaker state across restarts when set.
	KV KVStore
}

// New builds the completer the oracle uses. The openclaw provider goes to
// the gateway over HTTP first and falls back to genkit's OpenAI-compatible
// client; other providers use genkit first and fall back to the gateway when
// a gateway token is configured.
func New(ctx context.Context, opts Options) (Completer, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	if provider == "" {
		provider = "openclaw"
	}

	var gateway Completer
	if opts.GatewayToken != "" {
		gateway = NewGatewayCompleter(GatewayConfig{
			BaseURL: opts.GatewayURL,
			Token:   opts.GatewayToken,
			Model:   modelIf(provider == "openclaw", opts.Model),
			Timeout: opts.Timeout,
		})
	}

	gcfg := GenkitConfig{Provider: provider, Model: opts.Model, APIKey: opts.APIKey, BaseURL: opts.BaseURL, Logger: logger}
	if provider == "openclaw" {
		gcfg.BaseURL = firstNonEmpty(opts.BaseURL, opts.GatewayURL)
		gcfg.APIKey = firstNonEmpty(opts.APIKey, opts.GatewayToken)
	}
	gk, gkErr := NewGenkitCompleter(ctx, gcfg)
	if gkErr != nil && !errors.Is(gkErr, ErrNoAPIKey) {
		return nil, gkErr
	}

	var chain []Named
	if provider == "openclaw" {
		if gateway != nil {
			chain = append(chain, Named{Name: "openclaw-gateway", Completer: gateway})
		}
		if gk != nil {
			chain = append(chain, Named{Name: "genkit-openclaw", Completer: gk})
		}
	} else {
		if gk != nil {
			chain = append(chain, Named{Name: "genkit-" + provider, Completer: gk})
		}
		if gateway != nil {
			chain = append(chain, Named{Name: "openclaw-gateway", Completer: gateway})
		}
	}
	switch len(chain) {
	case 0:
		return nil, gkErr
	case 1:
		return chain[0].Completer, nil
	}
	f := NewFailoverCompleter(chain, 0, 0, logger)
	if opts.KV != nil {
		f.SetKVStore(opts.KV)
		f.LoadBreakerState(ctx)
	}
	return f, nil
}

func modelIf(ok bool, model string) string {
	if ok {
		return model
	}
	return ""
}
