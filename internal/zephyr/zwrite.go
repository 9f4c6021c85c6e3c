package zephyr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/zmirror/zmirror/internal/config"
)

// recoverableOutput is the mailer output marking a send whose server
// acknowledgement was lost. The message may or may not have gone out, so
// the caller must not reuse its body.
const recoverableOutput = "Detected server failure while receiving acknowledgement for"

// ErrServerFailure is reported (wrapped) by CommandSender.Send when the
// acknowledgement was lost. The send is worth one retry with a fresh body.
var ErrServerFailure = errors.New("server failure during send acknowledgement")

// CommandSender mails notices through the external zwrite-style CLI, one
// process per send, body on stdin.
type CommandSender struct {
	path      string
	signature string
	timeout   time.Duration
	log       *slog.Logger
	run       runFunc // injectable for tests
}

// runFunc executes a command with stdin attached, returning combined output.
type runFunc func(ctx context.Context, name string, args []string, stdin string) ([]byte, error)

// NewCommandSender builds a sender from the broadcast-side config.
// timeout bounds each mailer run.
func NewCommandSender(cfg config.ZephyrConfig, timeout time.Duration, log *slog.Logger) *CommandSender {
	return &CommandSender{
		path:      cfg.ZwritePath,
		signature: cfg.Signature,
		timeout:   timeout,
		log:       log,
		run:       runCommand,
	}
}

// Send mails body to dest. A nil return means the service acknowledged
// the send. An error wrapping ErrServerFailure means the acknowledgement
// was lost; any other error is a hard send failure.
func (s *CommandSender) Send(ctx context.Context, dest config.Destination, body string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.run(ctx, s.path, s.argv(dest), body)
	if err == nil {
		s.log.Debug("zwrite sent", "dest", dest.String())
		return nil
	}
	if bytes.Contains(out, []byte(recoverableOutput)) {
		s.log.Warn("zwrite acknowledgement lost", "dest", dest.String(), "err", err)
		return fmt.Errorf("send to %s: %w", dest, ErrServerFailure)
	}
	return fmt.Errorf("send to %s: %v: %s", dest, err, strings.TrimSpace(string(out)))
}

// argv builds the mailer arguments: no ping, optional signature, then
// class/instance or the bare recipient.
func (s *CommandSender) argv(dest config.Destination) []string {
	args := []string{"-n"}
	if s.signature != "" {
		args = append(args, "-s", s.signature)
	}
	if dest.Personal {
		return append(args, dest.Recipient)
	}
	return append(args, "-c", dest.Class, "-i", dest.Instance)
}

func runCommand(ctx context.Context, name string, args []string, stdin string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(stdin)
	return cmd.CombinedOutput()
}
