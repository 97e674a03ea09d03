package circuit

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// RegistryOptions configures NewRegistry.
type RegistryOptions struct {
	// Config applies to every tool without an override.
	Config Config

	// Tools holds per-tool overrides. Zero fields fall back to Config.
	Tools map[string]Config

	Logger        *slog.Logger
	Now           func() time.Time
	OnStateChange StateChangeFunc
}

// Registry owns one breaker per tool name. Breakers are created on first use
// and live as long as the registry.
type Registry struct {
	config        Config
	tools         map[string]Config
	logger        *slog.Logger
	now           func() time.Time
	onStateChange StateChangeFunc

	mutex    sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry returns an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	tools := make(map[string]Config, len(opts.Tools))
	for name, cfg := range opts.Tools {
		tools[name] = cfg
	}
	return &Registry{
		config:        opts.Config.withDefaults(),
		tools:         tools,
		logger:        opts.Logger,
		now:           opts.Now,
		onStateChange: opts.OnStateChange,
		breakers:      map[string]*Breaker{},
	}
}

// Get returns the breaker for a tool, creating it if needed.
func (r *Registry) Get(tool string) *Breaker {
	r.mutex.RLock()
	b, ok := r.breakers[tool]
	r.mutex.RUnlock()
	if ok {
		return b
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	if b, ok := r.breakers[tool]; ok {
		return b
	}
	b = NewBreaker(BreakerOptions{
		Tool:          tool,
		Config:        r.configFor(tool),
		Logger:        r.logger,
		Now:           r.now,
		OnStateChange: r.onStateChange,
	})
	r.breakers[tool] = b
	return b
}

func (r *Registry) configFor(tool string) Config {
	cfg := r.config
	override, ok := r.tools[tool]
	if !ok {
		return cfg
	}
	if override.FailureThreshold > 0 {
		cfg.FailureThreshold = override.FailureThreshold
	}
	if override.Cooldown > 0 {
		cfg.Cooldown = override.Cooldown
	}
	if override.IsFailure != nil {
		cfg.IsFailure = override.IsFailure
	}
	return cfg
}

// Call runs fn through the named tool's breaker.
func (r *Registry) Call(ctx context.Context, tool string, fn func(ctx context.Context) error) error {
	return r.Get(tool).Call(ctx, fn)
}

// CallWith runs fn through the named tool's breaker with an explicit failure
// classifier.
func (r *Registry) CallWith(ctx context.Context, tool string, isFailure func(error) bool, fn func(ctx context.Context) error) error {
	return r.Get(tool).CallWith(ctx, isFailure, fn)
}

// Status returns the state of every breaker created so far, keyed by tool.
func (r *Registry) Status() map[string]Status {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	result := make(map[string]Status, len(r.breakers))
	for name, b := range r.breakers {
		result[name] = b.Status()
	}
	return result
}

// Tools returns the names of known tools in sorted order.
func (r *Registry) Tools() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset closes the named tool's breaker. An empty name resets every breaker.
func (r *Registry) Reset(tool string) error {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	if tool == "" {
		for _, b := range r.breakers {
			b.Reset()
		}
		r.logger.Info("reset all circuit breakers", "count", len(r.breakers))
		return nil
	}
	b, ok := r.breakers[tool]
	if !ok {
		return fmt.Errorf("reset %q: %w", tool, ErrUnknownTool)
	}
	b.Reset()
	return nil
}
