package zephyr

import (
	"errors"
	"fmt"
)

// Triple identifies one subscription: class, instance, recipient.
// "*" wildcards instance; personals subscribe class "message" with the
// probe's own principal as recipient.
type Triple struct {
	Class     string `json:"class"`
	Instance  string `json:"instance"`
	Recipient string `json:"recipient"`
}

// ClassTriple returns the wildcard subscription for a broadcast class.
func ClassTriple(class string) Triple {
	return Triple{Class: class, Instance: "*", Recipient: "*"}
}

// PersonalTriple returns the subscription that receives personals
// addressed to account.
func PersonalTriple(account string) Triple {
	return Triple{Class: "message", Instance: "*", Recipient: account}
}

func (t Triple) String() string {
	return fmt.Sprintf("<%s,%s,%s>", t.Class, t.Instance, t.Recipient)
}

// Notice is one received message. The underlying receive buffer is owned
// by the session; callers must Free each notice exactly once, normally by
// deferring it immediately after a successful Receive.
type Notice struct {
	Class    string
	Instance string
	Sender   string
	Opcode   string
	Body     string

	release func()
}

// NewNotice attaches a release hook to n and returns it. Sessions use
// this to hand out notices whose Free returns the underlying buffer.
func NewNotice(n Notice, release func()) *Notice {
	n.release = release
	return &n
}

// Free releases the notice's receive buffer back to the session. Calling
// Free more than once is a no-op.
func (n *Notice) Free() {
	if n.release == nil {
		return
	}
	r := n.release
	n.release = nil
	r()
}

// Session is the receive-side connection to the notice service. The
// production implementation is HelperSession; tests substitute fakes.
type Session interface {
	// OpenPort binds the session's receive port. Must be called before
	// Subscribe.
	OpenPort() error

	// Subscribe registers the given triples on the open port.
	Subscribe(triples []Triple) error

	// Subscriptions reads back the set currently active on the port.
	Subscriptions() ([]Triple, error)

	// CancelSubscriptions removes every subscription held by the port.
	CancelSubscriptions() error

	// Pending reports how many notices are queued for Receive.
	Pending() (int, error)

	// Receive returns the next queued notice. It must only be called
	// when Pending reports at least one notice.
	Receive() (*Notice, error)

	// Close cancels subscriptions implicitly and releases the port.
	Close() error
}

// Error is a transport failure with the service's error code attached.
// Retryable marks conditions worth another attempt (server timeouts,
// lost acknowledgements); everything else is fatal for the run.
type Error struct {
	Op        string // operation that failed: "subscribe", "receive", ...
	Code      string // service error code, e.g. "SERVNAK", empty if unknown
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	msg := "zephyr: " + e.Op
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transport error marked retryable.
// Anything that is not a *Error counts as fatal.
func IsRetryable(err error) bool {
	var ze *Error
	if errors.As(err, &ze) {
		return ze.Retryable
	}
	return false
}
