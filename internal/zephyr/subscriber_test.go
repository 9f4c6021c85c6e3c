package zephyr

import (
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// fakeSession scripts per-attempt Subscribe and Subscriptions outcomes.
// Past the end of a script the call succeeds; an unscripted readback
// echoes the requested set.
type fakeSession struct {
	subscribeErrs []error
	readbackErrs  []error
	readbacks     [][]Triple

	requested      []Triple
	subscribeCalls int
	readbackCalls  int
}

func (f *fakeSession) OpenPort() error { return nil }

func (f *fakeSession) Subscribe(triples []Triple) error {
	i := f.subscribeCalls
	f.subscribeCalls++
	f.requested = triples
	if i < len(f.subscribeErrs) {
		return f.subscribeErrs[i]
	}
	return nil
}

func (f *fakeSession) Subscriptions() ([]Triple, error) {
	i := f.readbackCalls
	f.readbackCalls++
	if i < len(f.readbackErrs) && f.readbackErrs[i] != nil {
		return nil, f.readbackErrs[i]
	}
	if i < len(f.readbacks) {
		return f.readbacks[i], nil
	}
	return f.requested, nil
}

func (f *fakeSession) CancelSubscriptions() error { return nil }
func (f *fakeSession) Pending() (int, error)      { return 0, nil }
func (f *fakeSession) Receive() (*Notice, error)  { return nil, errors.New("nothing pending") }
func (f *fakeSession) Close() error               { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

var testTriples = []Triple{
	ClassTriple("zmirror-nagios-test"),
	PersonalTriple("probe@EXAMPLE.EDU"),
}

func newTestSubscriber(sess Session, attempts int) *Subscriber {
	sub := NewSubscriber(sess, testTriples, attempts, discardLogger())
	sub.sleep = func(time.Duration) {}
	return sub
}

func retryableErr(op string) error {
	return &Error{Op: op, Code: "SERVNAK", Retryable: true, Err: errors.New("server timeout")}
}

func TestSubscriber_ImmediateSuccess(t *testing.T) {
	sess := &fakeSession{}
	sub := newTestSubscriber(sess, 10)

	if err := sub.Run(); err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	if sub.State() != StateSubscribed {
		t.Errorf("state: got %v, want %v", sub.State(), StateSubscribed)
	}
	if sess.subscribeCalls != 1 {
		t.Errorf("subscribe calls: got %d, want 1", sess.subscribeCalls)
	}
}

func TestSubscriber_RetryableThenSuccess(t *testing.T) {
	sess := &fakeSession{subscribeErrs: []error{retryableErr("subscribe")}}
	sub := newTestSubscriber(sess, 10)

	if err := sub.Run(); err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	if sub.State() != StateSubscribed {
		t.Errorf("state: got %v, want %v", sub.State(), StateSubscribed)
	}
	if sess.subscribeCalls != 2 {
		t.Errorf("subscribe calls: got %d, want 2", sess.subscribeCalls)
	}
}

func TestSubscriber_Exhausted(t *testing.T) {
	sess := &fakeSession{subscribeErrs: []error{
		retryableErr("subscribe"), retryableErr("subscribe"), retryableErr("subscribe"),
	}}
	sub := newTestSubscriber(sess, 3)

	err := sub.Run()
	if err == nil {
		t.Fatal("Run() expected error after exhausting attempts, got nil")
	}
	if !strings.Contains(err.Error(), "gave up after 3 attempts") {
		t.Errorf("error should report exhaustion: %v", err)
	}
	if sub.State() != StateFailed {
		t.Errorf("state: got %v, want %v", sub.State(), StateFailed)
	}
	if sess.subscribeCalls != 3 {
		t.Errorf("subscribe calls: got %d, want 3", sess.subscribeCalls)
	}
}

func TestSubscriber_FatalSubscribe(t *testing.T) {
	fatal := errors.New("port not open")
	sess := &fakeSession{subscribeErrs: []error{fatal}}
	sub := newTestSubscriber(sess, 10)

	err := sub.Run()
	if !errors.Is(err, fatal) {
		t.Fatalf("Run() should wrap the fatal error, got: %v", err)
	}
	if sub.State() != StateFailed {
		t.Errorf("state: got %v, want %v", sub.State(), StateFailed)
	}
	if sess.subscribeCalls != 1 {
		t.Errorf("fatal error must not be retried, subscribe calls: got %d", sess.subscribeCalls)
	}
}

func TestSubscriber_VerifyMismatchThenSuccess(t *testing.T) {
	// First readback is missing the personal triple; second echoes all.
	sess := &fakeSession{readbacks: [][]Triple{{testTriples[0]}}}
	sub := newTestSubscriber(sess, 10)

	if err := sub.Run(); err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	if sess.subscribeCalls != 2 {
		t.Errorf("subscribe calls: got %d, want 2", sess.subscribeCalls)
	}
}

func TestSubscriber_RetryableReadback(t *testing.T) {
	sess := &fakeSession{readbackErrs: []error{retryableErr("subscriptions")}}
	sub := newTestSubscriber(sess, 10)

	if err := sub.Run(); err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	if sub.State() != StateSubscribed {
		t.Errorf("state: got %v, want %v", sub.State(), StateSubscribed)
	}
}

func TestSubscriber_FatalReadback(t *testing.T) {
	fatal := errors.New("port lost")
	sess := &fakeSession{readbackErrs: []error{fatal}}
	sub := newTestSubscriber(sess, 10)

	err := sub.Run()
	if !errors.Is(err, fatal) {
		t.Fatalf("Run() should wrap the fatal error, got: %v", err)
	}
	if sub.State() != StateFailed {
		t.Errorf("state: got %v, want %v", sub.State(), StateFailed)
	}
}

func TestSubscriber_ExtraActiveTriplesAccepted(t *testing.T) {
	extra := append([]Triple{ClassTriple("unrelated-class")}, testTriples...)
	sess := &fakeSession{readbacks: [][]Triple{extra}}
	sub := newTestSubscriber(sess, 10)

	if err := sub.Run(); err != nil {
		t.Fatalf("Run() unexpected error: %v", err)
	}
	if sess.subscribeCalls != 1 {
		t.Errorf("subscribe calls: got %d, want 1", sess.subscribeCalls)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable transport error", retryableErr("subscribe"), true},
		{"fatal transport error", &Error{Op: "subscribe", Code: "EPERM"}, false},
		{"wrapped retryable", errors.Join(errors.New("outer"), retryableErr("x")), true},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsRetryable(tc.err); got != tc.want {
				t.Errorf("IsRetryable(%v): got %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestNotice_FreeExactlyOnce(t *testing.T) {
	released := 0
	n := &Notice{Body: "4211631467", release: func() { released++ }}

	n.Free()
	n.Free()
	n.Free()

	if released != 1 {
		t.Errorf("release calls: got %d, want 1", released)
	}
}
