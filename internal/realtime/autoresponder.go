package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chat-gateway/internal/metrics"
)

const autoResponseTimeout = 10 * time.Second

type autoState struct {
	enabled bool
	delay   time.Duration
	// epoch changes whenever pending timers must be invalidated.
	epoch  uint64
	timers map[*time.Timer]struct{}
}

// AutoResponder schedules a delayed system message after a connection sends
// one. State lives only as long as the connection.
type AutoResponder struct {
	content      string
	defaultDelay time.Duration
	fire         func(ctx context.Context, content, chatID string) error
	metrics      *metrics.Metrics
	log          *slog.Logger

	mu     sync.Mutex
	states map[string]*autoState
}

func (a *AutoResponder) state(connID string) *autoState {
	s, ok := a.states[connID]
	if !ok {
		s = &autoState{delay: a.defaultDelay, timers: make(map[*time.Timer]struct{})}
		a.states[connID] = s
	}
	return s
}

// SetEnabled toggles the feature. Disabling invalidates timers that have not
// fired yet.
func (a *AutoResponder) SetEnabled(connID string, enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.state(connID)
	if s.enabled && !enabled {
		s.epoch++
	}
	s.enabled = enabled
}

func (a *AutoResponder) SetDelay(connID string, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state(connID).delay = delay
}

func (a *AutoResponder) Settings(connID string) (bool, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.states[connID]; ok {
		return s.enabled, s.delay
	}
	return false, a.defaultDelay
}

// Schedule arms a one-shot timer for chatID when the connection has the
// feature enabled. The timer re-checks the flag and epoch when it fires.
func (a *AutoResponder) Schedule(connID, chatID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.states[connID]
	if !ok || !s.enabled {
		return false
	}
	epoch := s.epoch

	var timer *time.Timer
	timer = time.AfterFunc(s.delay, func() {
		a.mu.Lock()
		current, ok := a.states[connID]
		if ok {
			delete(current.timers, timer)
		}
		live := ok && current == s && current.enabled && current.epoch == epoch
		a.mu.Unlock()

		if !live {
			a.metrics.AutoResponses.WithLabelValues("skipped").Inc()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), autoResponseTimeout)
		defer cancel()
		if err := a.fire(ctx, a.content, chatID); err != nil {
			a.metrics.AutoResponses.WithLabelValues("failed").Inc()
			a.log.Warn("auto-response failed", "conn_id", connID, "chat_id", chatID, "error", err)
			return
		}
		a.metrics.AutoResponses.WithLabelValues("fired").Inc()
	})
	s.timers[timer] = struct{}{}
	a.metrics.AutoResponses.WithLabelValues("scheduled").Inc()
	return true
}

// Pending returns the number of armed timers for a connection.
func (a *AutoResponder) Pending(connID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.states[connID]; ok {
		return len(s.timers)
	}
	return 0
}

// Forget cancels pending timers and drops the connection's state.
func (a *AutoResponder) Forget(connID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.states[connID]
	if !ok {
		return
	}
	s.epoch++
	for timer := range s.timers {
		timer.Stop()
	}
	delete(a.states, connID)
}

// Stop cancels every pending timer.
func (a *AutoResponder) Stop() {
	a.mu.Lock()
	ids := make([]string, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	a.mu.Unlock()
	for _, id := range ids {
		a.Forget(id)
	}
}
