package zephyr

import (
	"fmt"
	"log/slog"
	"time"
)

// subscribeRetryDelay spaces repeated subscription attempts.
const subscribeRetryDelay = 1 * time.Second

// State is the subscription lifecycle position of a Subscriber.
type State int

const (
	StateUnsubscribed State = iota
	StateSubscribing
	StateVerifying
	StateSubscribed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribing:
		return "subscribing"
	case StateVerifying:
		return "verifying"
	case StateSubscribed:
		return "subscribed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Subscriber drives a Session from Unsubscribed to Subscribed: each
// attempt registers the requested triples, then reads the active set back
// and checks every requested triple is present. Retryable transport
// errors and incomplete readbacks consume an attempt and loop; fatal
// errors and attempt exhaustion end in Failed.
type Subscriber struct {
	sess     Session
	triples  []Triple
	attempts int
	log      *slog.Logger

	state State
	sleep func(time.Duration) // injectable for tests
}

// NewSubscriber returns a Subscriber for the given triples. attempts
// bounds the Subscribe→Verify cycles Run may spend.
func NewSubscriber(sess Session, triples []Triple, attempts int, log *slog.Logger) *Subscriber {
	return &Subscriber{
		sess:     sess,
		triples:  triples,
		attempts: attempts,
		log:      log,
		state:    StateUnsubscribed,
		sleep:    time.Sleep,
	}
}

// State returns the current lifecycle position.
func (s *Subscriber) State() State { return s.state }

// Run blocks until the subscription set is verified active (state
// Subscribed, nil) or given up on (state Failed, error). The session's
// port must already be open.
func (s *Subscriber) Run() error {
	for attempt := 1; attempt <= s.attempts; attempt++ {
		if attempt > 1 {
			s.sleep(subscribeRetryDelay)
		}

		s.state = StateSubscribing
		if err := s.sess.Subscribe(s.triples); err != nil {
			if IsRetryable(err) {
				s.log.Warn("subscribe attempt failed, will retry",
					"attempt", attempt, "err", err)
				continue
			}
			s.state = StateFailed
			return fmt.Errorf("subscribe: %w", err)
		}

		s.state = StateVerifying
		active, err := s.sess.Subscriptions()
		if err != nil {
			if IsRetryable(err) {
				s.log.Warn("subscription readback failed, will retry",
					"attempt", attempt, "err", err)
				continue
			}
			s.state = StateFailed
			return fmt.Errorf("verify subscriptions: %w", err)
		}
		if missing := missingTriples(s.triples, active); len(missing) > 0 {
			s.log.Warn("subscriptions not yet active, will retry",
				"attempt", attempt, "missing", missing)
			continue
		}

		s.state = StateSubscribed
		s.log.Debug("subscriptions verified",
			"attempt", attempt, "count", len(s.triples))
		return nil
	}

	s.state = StateFailed
	return fmt.Errorf("subscribe: gave up after %d attempts", s.attempts)
}

// missingTriples returns the requested triples absent from active. The
// active set may carry extras (site default subscriptions); only the
// requested direction matters.
func missingTriples(want, active []Triple) []Triple {
	have := make(map[Triple]bool, len(active))
	for _, t := range active {
		have[t] = true
	}
	var missing []Triple
	for _, t := range want {
		if !have[t] {
			missing = append(missing, t)
		}
	}
	return missing
}
