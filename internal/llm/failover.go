package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// KVStore persists breaker state across restarts.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// Named pairs a Completer with the name used for breaker tracking and logs.
type Named struct {
	Name      string
	Completer Completer
}

type breaker struct {
	failures    int
	lastFailure time.Time
	tripped     bool
}

type breakerState struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
	Tripped     bool      `json:"tripped"`
}

// FailoverCompleter tries each completer in order, skipping any whose
// circuit breaker is open.
type FailoverCompleter struct {
	chain     []Named
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
	kv       KVStore
}

// NewFailoverCompleter trips a breaker after threshold consecutive failures
// (default 5) and closes it again after cooldown (default 5m).
func NewFailoverCompleter(chain []Named, threshold int, cooldown time.Duration, logger *slog.Logger) *FailoverCompleter {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &FailoverCompleter{
		chain:     chain,
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
		now:       time.Now,
		breakers:  make(map[string]*breaker, len(chain)),
	}
	for _, n := range chain {
		f.breakers[n.Name] = &breaker{}
	}
	return f
}

func (f *FailoverCompleter) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	var lastErr error
	for _, c := range f.chain {
		if f.isTripped(c.Name) {
			f.logger.Info("failover: skipping tripped provider", "provider", c.Name)
			continue
		}
		out, err := c.Completer.Complete(ctx, req)
		if err == nil {
			f.recordSuccess(c.Name)
			return out, nil
		}
		lastErr = err
		f.recordFailure(c.Name)
		ec := ClassifyError(err)
		f.logger.Warn("failover: provider failed", "provider", c.Name, "error_class", string(ec), "error", err)
		if ec == ErrorClassContextOverflow {
			return "", fmt.Errorf("failover: context overflow from %s: %w", c.Name, err)
		}
		if ctx.Err() != nil {
			return "", TimeoutError("completion", ctx.Err())
		}
	}
	if lastErr == nil {
		return "", errors.New("failover: no provider available (all breakers open)")
	}
	return "", fmt.Errorf("failover: all providers failed, last error: %w", lastErr)
}

func (f *FailoverCompleter) isTripped(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[name]
	if !ok || !b.tripped {
		return false
	}
	if f.now().Sub(b.lastFailure) >= f.cooldown {
		b.tripped = false
		b.failures = 0
		f.logger.Info("failover: circuit breaker reset after cooldown", "provider", name)
		return false
	}
	return true
}

func (f *FailoverCompleter) recordFailure(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[name]
	if !ok {
		b = &breaker{}
		f.breakers[name] = b
	}
	b.failures++
	b.lastFailure = f.now()
	if b.failures >= f.threshold && !b.tripped {
		b.tripped = true
		f.logger.Warn("failover: circuit breaker tripped", "provider", name, "failures", b.failures)
	}
	f.persist(name, b)
}

func (f *FailoverCompleter) recordSuccess(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[name]
	if !ok {
		return
	}
	b.failures = 0
	b.tripped = false
	f.persist(name, b)
}

// SetKVStore enables persistent breaker state.
func (f *FailoverCompleter) SetKVStore(kv KVStore) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv = kv
}

// must hold f.mu
func (f *FailoverCompleter) persist(name string, b *breaker) {
	if f.kv == nil {
		return
	}
	data, err := json.Marshal(breakerState{Failures: b.failures, LastFailure: b.lastFailure, Tripped: b.tripped})
	if err != nil {
		return
	}
	_ = f.kv.KVSet(context.Background(), "llm.breaker:"+name, string(data))
}

// LoadBreakerState restores breaker state saved by a previous process.
func (f *FailoverCompleter) LoadBreakerState(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.kv == nil {
		return
	}
	for name, b := range f.breakers {
		val, err := f.kv.KVGet(ctx, "llm.breaker:"+name)
		if err != nil || val == "" {
			continue
		}
		var st breakerState
		if err := json.Unmarshal([]byte(val), &st); err != nil {
			continue
		}
		b.failures, b.lastFailure, b.tripped = st.Failures, st.LastFailure, st.Tripped
	}
}
