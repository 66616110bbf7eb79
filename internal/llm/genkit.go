package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// GenkitConfig selects a genkit provider.
type GenkitConfig struct {
	// Provider: openclaw, anthropic, openai, openai_compatible, openrouter,
	// google. Empty means openclaw.
	Provider string
	Model    string
	APIKey   string
	// BaseURL overrides the provider endpoint. For openclaw it is the
	// gateway root; "/v1" is appended.
	BaseURL string
	Logger  *slog.Logger
}

// GenkitCompleter runs completions through a genkit instance configured for
// one provider.
type GenkitCompleter struct {
	g        *genkit.Genkit
	provider string
	model    string
	logger   *slog.Logger
}

// ErrNoAPIKey is returned by NewGenkitCompleter when the provider needs a key
// and none was found.
var ErrNoAPIKey = errors.New("llm: provider API key missing")

func NewGenkitCompleter(ctx context.Context, cfg GenkitConfig) (*GenkitCompleter, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "openclaw"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = EnvAPIKeyForProvider(provider)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w (provider %s)", ErrNoAPIKey, provider)
	}

	var g *genkit.Genkit
	switch provider {
	case "openclaw":
		base := strings.TrimRight(cfg.BaseURL, "/")
		if base == "" {
			base = DefaultGatewayURL
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openclaw",
			APIKey:   apiKey,
			BaseURL:  base + "/v1",
		}))
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: firstNonEmpty(cfg.BaseURL, os.Getenv("ANTHROPIC_BASE_URL")),
		}))
	case "openai":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  firstNonEmpty(cfg.BaseURL, os.Getenv("OPENAI_BASE_URL")),
		}))
	case "openai_compatible":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai_compatible",
			APIKey:   apiKey,
			BaseURL:  cfg.BaseURL,
		}))
	case "openrouter":
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openrouter",
			APIKey:   apiKey,
			BaseURL:  firstNonEmpty(cfg.BaseURL, "https://openrouter.ai/api/v1"),
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", provider)
	}
	logger.Info("genkit completer initialized", "provider", provider, "model", model)
	return &GenkitCompleter{g: g, provider: provider, model: model, logger: logger}, nil
}

func (c *GenkitCompleter) Provider() string { return c.provider }

func (c *GenkitCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	model := firstNonEmpty(req.Model, c.model)
	opts := []ai.GenerateOption{
		ai.WithModelName(ModelNameForProvider(c.provider, model)),
		ai.WithPrompt(escapePercent(req.Prompt)),
	}
	if strings.TrimSpace(req.System) != "" {
		opts = append(opts, ai.WithSystem(escapePercent(req.System)))
	}
	resp, err := genkit.Generate(ctx, c.g, opts...)
	if err != nil {
		c.logger.Warn("genkit generate failed", "provider", c.provider, "error_class", string(ClassifyError(err)), "error", err)
		return "", TimeoutError("genkit generate", fmt.Errorf("genkit generate: %w", err))
	}
	return strings.TrimSpace(resp.Text()), nil
}

// escapePercent keeps genkit's prompt templating from treating % as a verb.
func escapePercent(s string) string {
	return strings.ReplaceAll(s, "%", "%%")
}

func DefaultModelForProvider(provider string) string {
	switch provider {
	case "openclaw":
		return DefaultGatewayModel
	case "anthropic":
		return "claude-sonnet-4-5-20250929"
	case "openai", "openai_compatible":
		return "gpt-4o-mini"
	case "openrouter":
		return "anthropic/claude-sonnet-4-5"
	case "google":
		return "gemini-2.5-flash"
	}
	return ""
}

func EnvAPIKeyForProvider(provider string) string {
	switch provider {
	case "openclaw":
		return os.Getenv("OPENCLAW_GATEWAY_TOKEN")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	case "google":
		return firstNonEmpty(os.Getenv("GEMINI_API_KEY"), os.Getenv("GOOGLE_API_KEY"))
	}
	return ""
}

// ModelNameForProvider qualifies model with the genkit plugin namespace.
func ModelNameForProvider(provider, model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModelForProvider(provider)
	}
	switch provider {
	case "openclaw":
		return "openclaw/" + model
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
