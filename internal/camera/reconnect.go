package camera

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig contains the timeout-to-reconnect thresholds.
type ReconnectConfig struct {
	TimeoutLimit      uint32        // Consecutive timeouts before a reconnect (default: 10)
	Backoff           time.Duration // Sleep between release and reopen (default: 2 seconds)
	MinInterval       time.Duration // Minimum spacing between attempts (default: 10 seconds)
	MaxFailedAttempts int           // Consecutive failed reconnects before giving up (default: 5, 0 = never)
}

// DefaultReconnectConfig returns default reconnection configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		TimeoutLimit:      10,
		Backoff:           2 * time.Second,
		MinInterval:       10 * time.Second,
		MaxFailedAttempts: 5,
	}
}

// Reconnector is the part of Handle the policy drives.
type Reconnector interface {
	Reconnect(ctx context.Context, backoff time.Duration) error
}

// ReconnectStats are cumulative counters for telemetry.
type ReconnectStats struct {
	Attempts            uint32
	Successes           uint32
	Failures            uint32
	ConsecutiveTimeouts uint32
	FailedStreak        int
	LastAttempt         time.Time
}

// ReconnectPolicy turns runs of consecutive timeouts into bounded reconnect
// attempts and prevents reconnect storms.
//
// It is owned by a single capture worker. Only the in-flight flag and the
// counters read by Stats are touched from other goroutines.
type ReconnectPolicy struct {
	cfg    ReconnectConfig
	target Reconnector
	now    func() time.Time

	consecutive  uint32
	failedStreak int
	lastAttempt  time.Time

	inFlight  atomic.Bool
	attempts  atomic.Uint32
	successes atomic.Uint32
	failures  atomic.Uint32
	lastSeen  atomic.Int64 // lastAttempt as unix nanos for Stats
	timeouts  atomic.Uint32
	streak    atomic.Int32
}

// NewReconnectPolicy returns a policy for target. Zero config fields take defaults.
func NewReconnectPolicy(target Reconnector, cfg ReconnectConfig) *ReconnectPolicy {
	def := DefaultReconnectConfig()
	if cfg.TimeoutLimit == 0 {
		cfg.TimeoutLimit = def.TimeoutLimit
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = def.MinInterval
	}
	if cfg.MaxFailedAttempts < 0 {
		cfg.MaxFailedAttempts = 0
	}
	return &ReconnectPolicy{cfg: cfg, target: target, now: time.Now}
}

// Config returns the effective configuration.
func (p *ReconnectPolicy) Config() ReconnectConfig { return p.cfg }

// OnFrame resets the consecutive timeout counter.
func (p *ReconnectPolicy) OnFrame() {
	if p.consecutive != 0 {
		p.consecutive = 0
		p.timeouts.Store(0)
	}
}

// OnTimeout records one timeout. When the counter reaches TimeoutLimit a
// reconnect is attempted (subject to MinInterval) and the counter is reset
// whatever the outcome.
//
// attempted reports whether a reconnect cycle ran. The returned error is
// non-nil only when the policy has given up: it wraps ErrReconnectExhausted
// in an *Error of KindFatal.
func (p *ReconnectPolicy) OnTimeout(ctx context.Context) (attempted bool, err error) {
	p.consecutive++
	p.timeouts.Store(p.consecutive)

	if p.consecutive < p.cfg.TimeoutLimit {
		return false, nil
	}

	slog.Warn("camera: consecutive frame timeouts reached, attempting reconnect",
		"timeouts", p.consecutive,
		"limit", p.cfg.TimeoutLimit,
	)

	// Reset before the attempt so a failed reconnect cannot re-trigger on
	// the very next timeout.
	p.consecutive = 0
	p.timeouts.Store(0)

	return p.attempt(ctx, "timeouts")
}

// RequestReconnect is used when the worker finds the device closed or
// faulted outside the timeout path. It only runs if MinInterval has elapsed
// since the previous attempt and no other attempt is in flight.
func (p *ReconnectPolicy) RequestReconnect(ctx context.Context) (attempted bool, err error) {
	return p.attempt(ctx, "requested")
}

func (p *ReconnectPolicy) attempt(ctx context.Context, reason string) (bool, error) {
	if p.exhausted() {
		return false, p.exhaustedError()
	}

	now := p.now()
	if !p.lastAttempt.IsZero() && now.Sub(p.lastAttempt) < p.cfg.MinInterval {
		slog.Debug("camera: reconnect skipped, min interval not elapsed",
			"since_last", now.Sub(p.lastAttempt),
			"min_interval", p.cfg.MinInterval,
			"reason", reason,
		)
		return false, nil
	}

	if !p.inFlight.CompareAndSwap(false, true) {
		return false, nil
	}
	defer p.inFlight.Store(false)

	p.lastAttempt = now
	p.lastSeen.Store(now.UnixNano())
	p.attempts.Add(1)

	err := p.target.Reconnect(ctx, p.cfg.Backoff)
	if err == nil {
		p.failedStreak = 0
		p.streak.Store(0)
		p.consecutive = 0
		p.timeouts.Store(0)
		p.successes.Add(1)
		slog.Info("camera: reconnect successful, resuming capture", "reason", reason)
		return true, nil
	}

	p.failedStreak++
	p.streak.Store(int32(p.failedStreak))
	p.failures.Add(1)

	slog.Warn("camera: reconnect failed, will retry after next timeout sequence",
		"error", err,
		"reason", reason,
		"failed_streak", p.failedStreak,
		"max_failed_attempts", p.cfg.MaxFailedAttempts,
	)

	if p.exhausted() {
		return true, p.exhaustedError()
	}
	return true, nil
}

func (p *ReconnectPolicy) exhausted() bool {
	return p.cfg.MaxFailedAttempts > 0 && p.failedStreak >= p.cfg.MaxFailedAttempts
}

func (p *ReconnectPolicy) exhaustedError() error {
	return NewError(KindFatal, "reconnect", 0, MsgConnectionLost,
		fmt.Errorf("%w after %d consecutive failures", ErrReconnectExhausted, p.failedStreak))
}

// InFlight reports whether a reconnect cycle is running.
func (p *ReconnectPolicy) InFlight() bool { return p.inFlight.Load() }

// Stats returns counters. Safe for concurrent use.
func (p *ReconnectPolicy) Stats() ReconnectStats {
	s := ReconnectStats{
		Attempts:            p.attempts.Load(),
		Successes:           p.successes.Load(),
		Failures:            p.failures.Load(),
		ConsecutiveTimeouts: p.timeouts.Load(),
		FailedStreak:        int(p.streak.Load()),
	}
	if ns := p.lastSeen.Load(); ns != 0 {
		s.LastAttempt = time.Unix(0, ns)
	}
	return s
}
