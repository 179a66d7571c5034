package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/livevox/pkg/provider/live"
)

// LiveFallback implements [live.Provider] with automatic failover across
// multiple transports. Each transport has its own circuit breaker.
type LiveFallback struct {
	group *FallbackGroup[live.Provider]
}

// Compile-time interface assertion.
var _ live.Provider = (*LiveFallback)(nil)

// NewLiveFallback creates a [LiveFallback] with primary as the preferred
// transport. Unless cfg.Permanent is set, rejected credentials and caller
// cancellation end the attempt without trying fallbacks.
func NewLiveFallback(primary live.Provider, cfg FallbackConfig) *LiveFallback {
	if cfg.Permanent == nil {
		cfg.Permanent = permanentLiveError
	}
	return &LiveFallback{group: NewFallbackGroup(primary, primary.Name(), cfg)}
}

func permanentLiveError(err error) bool {
	return errors.Is(err, live.ErrStaleKey) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// AddFallback registers an additional transport as a fallback.
func (f *LiveFallback) AddFallback(p live.Provider) {
	f.group.AddFallback(p.Name(), p)
}

// Name implements [live.Provider].
func (f *LiveFallback) Name() string { return "fallback" }

// Connect opens a session on the first healthy transport. Errors are
// classified so callers can match [live.ErrConnection] or [live.ErrStaleKey].
func (f *LiveFallback) Connect(ctx context.Context, cfg live.Config) (live.Session, error) {
	sess, err := ExecuteWithResult(f.group, func(p live.Provider) (live.Session, error) {
		return p.Connect(ctx, cfg)
	})
	if err != nil {
		return nil, live.ClassifyError(err)
	}
	return sess, nil
}

// Status returns the breaker state of every transport.
func (f *LiveFallback) Status() []EntryStatus { return f.group.Status() }

// Healthy reports whether at least one transport's breaker is not open.
func (f *LiveFallback) Healthy() bool { return f.group.Healthy() }
