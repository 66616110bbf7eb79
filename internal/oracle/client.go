package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/taskvisor/internal/llm"
	"github.com/basket/taskvisor/internal/pricing"
	"github.com/basket/taskvisor/internal/shared"
	"github.com/basket/taskvisor/internal/tokenutil"
	"github.com/tidwall/gjson"
)

const (
	DefaultTimeout    = 25 * time.Second
	DefaultSessionKey = "agent:main:supervisor"
	DefaultModel      = llm.DefaultGatewayModel
)

// Config configures Client.
type Config struct {
	Completer  llm.Completer
	Model      string
	SessionKey string
	// Timeout bounds one triage call. Default 25s.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client triages runs through an LLM completer.
type Client struct {
	completer  llm.Completer
	validator  *Validator
	model      string
	sessionKey string
	timeout    time.Duration
	logger     *slog.Logger
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Completer == nil {
		return nil, errors.New("oracle: completer is required")
	}
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		completer:  cfg.Completer,
		validator:  v,
		model:      shared.FirstNonEmpty(cfg.Model, DefaultModel),
		sessionKey: shared.FirstNonEmpty(cfg.SessionKey, DefaultSessionKey),
		timeout:    cfg.Timeout,
		logger:     cfg.Logger,
	}, nil
}

// Triage asks the supervisor for a decision. Transport failures, including
// timeouts, are returned as errors whose text names the cause. A reply that
// contains no JSON yields a review decision rather than an error.
func (c *Client) Triage(ctx context.Context, in TriageInput) (Decision, error) {
	prompt, sc, err := BuildPrompt(in)
	if err != nil {
		return Decision{}, fmt.Errorf("oracle: build prompt: %w", err)
	}
	if len(sc.Findings) > 0 {
		c.logger.Warn("transcript contains reviewer-steering text", "job_id", in.Job.ID,
			"findings", len(sc.Findings), "first", sc.Findings[0].Reason)
	}
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	text, err := c.completer.Complete(cctx, llm.CompletionRequest{
		Model:      c.model,
		System:     SystemInstruction,
		Prompt:     prompt,
		SessionKey: c.sessionKey,
		AgentID:    shared.DefaultAgentID,
	})
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("oracle timeout after %s: %w", c.timeout, err)
		}
		return Decision{}, llm.TimeoutError("oracle", err)
	}
	completionTokens := tokenutil.EstimateTokens(text)
	c.logger.Debug("oracle call finished", "job_id", in.Job.ID, "model", c.model,
		"prompt_tokens_est", sc.PromptTokens, "completion_tokens_est", completionTokens,
		"cost_usd_est", pricing.EstimateCost(c.model, sc.PromptTokens, completionTokens),
		"redactions", sc.Redactions)
	return c.Parse(text), nil
}

// Parse turns raw supervisor text into a Decision. The last embedded JSON
// object carrying a known verdict wins. A reply with no JSON, or whose
// objects carry no known verdict, becomes review with an excerpt of the
// reply as the reason and no edits.
func (c *Client) Parse(text string) Decision {
	vals := shared.LooseValues(text)
	var (
		raw   []byte
		found bool
	)
	for i := len(vals) - 1; i >= 0; i-- {
		r := gjson.ParseBytes(vals[i])
		if !r.IsObject() {
			continue
		}
		if _, ok := verdictOf(r); ok {
			raw, found = vals[i], true
			break
		}
	}
	if !found {
		prefix := "Supervisor returned invalid decision: "
		if len(vals) == 0 {
			prefix = "Supervisor returned non-JSON: "
		}
		c.logger.Warn("oracle reply has no usable decision", "reply", shared.Clip(text, 200))
		return Decision{Verdict: VerdictReview, Reason: prefix + shared.Clip(text, 200)}
	}
	d := Normalize(raw)
	if err := c.validator.Validate(raw); err != nil {
		d.SchemaWarning = err.Error()
		c.logger.Warn("oracle reply does not match decision schema", "error", err, "decision", string(d.Verdict))
	}
	return d
}
