package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/basket/taskvisor/internal/shared"
	"github.com/tidwall/gjson"
)

const (
	DefaultGatewayURL   = "http://127.0.0.1:18789"
	DefaultGatewayModel = "openclaw:main"

	minGatewayTimeout = 2 * time.Second
)

var ErrMissingGatewayToken = errors.New("missing gateway token: OPENCLAW_GATEWAY_TOKEN not set")

// GatewayConfig configures GatewayCompleter.
type GatewayConfig struct {
	BaseURL string
	Token   string
	Model   string
	// Timeout bounds each request. Default 20s, floor 2s.
	Timeout time.Duration
	Client  *http.Client
}

// GatewayCompleter calls the OpenClaw gateway's OpenAI-compatible chat
// endpoint. Unlike the genkit providers it forwards the agent id and
// session key as request headers, so replies land in the right session.
type GatewayCompleter struct {
	cfg GatewayConfig
}

func NewGatewayCompleter(cfg GatewayConfig) *GatewayCompleter {
	cfg.BaseURL = strings.TrimRight(shared.FirstNonEmpty(cfg.BaseURL, DefaultGatewayURL), "/")
	cfg.Model = shared.FirstNonEmpty(cfg.Model, DefaultGatewayModel)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.Timeout < minGatewayTimeout {
		cfg.Timeout = minGatewayTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &GatewayCompleter{cfg: cfg}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	User     string        `json:"user,omitempty"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

func (g *GatewayCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if g.cfg.Token == "" {
		return "", ErrMissingGatewayToken
	}
	body := chatRequest{
		Model:  shared.FirstNonEmpty(req.Model, g.cfg.Model),
		User:   req.SessionKey,
		Stream: false,
	}
	if strings.TrimSpace(req.System) != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	httpReq.Header.Set("Content-Type", "application/json")
	if req.AgentID != "" && req.AgentID != shared.DefaultAgentID {
		httpReq.Header.Set("x-openclaw-agent-id", req.AgentID)
	}
	if req.SessionKey != "" {
		httpReq.Header.Set("x-openclaw-session-key", req.SessionKey)
	}

	resp, err := g.cfg.Client.Do(httpReq)
	if err != nil {
		return "", TimeoutError("gateway completion", fmt.Errorf("gateway completion: %w", err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", TimeoutError("gateway completion", fmt.Errorf("read gateway completion: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("gateway completion failed (%d): %s", resp.StatusCode, shared.Clip(string(raw), 400))
	}
	text := ExtractCompletionText(raw)
	if text == "" {
		text = string(raw)
	}
	return strings.TrimSpace(text), nil
}

// ExtractCompletionText pulls the reply out of an OpenAI-style chat
// completion, tolerating the response shapes OpenClaw gateways emit.
func ExtractCompletionText(raw []byte) string {
	if !gjson.ValidBytes(raw) {
		loose, ok := shared.ParseLoose(string(raw))
		if !ok {
			return ""
		}
		raw = loose
	}
	r := gjson.ParseBytes(raw)
	for _, path := range []string{"choices.0.message.content", "choices.0.text", "output_text", "content", "message.content"} {
		v := r.Get(path)
		if v.Type == gjson.String && strings.TrimSpace(v.String()) != "" {
			return v.String()
		}
		if v.IsArray() {
			var parts []string
			for _, p := range v.Array() {
				if t := p.Get("text"); t.Type == gjson.String {
					parts = append(parts, t.String())
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, "")
			}
		}
	}
	return ""
}
