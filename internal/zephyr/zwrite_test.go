package zephyr

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zmirror/zmirror/internal/config"
)

type runCall struct {
	name  string
	args  []string
	stdin string
}

func testSender(signature, output string, runErr error, calls *[]runCall) *CommandSender {
	return &CommandSender{
		path:      "zwrite",
		signature: signature,
		timeout:   time.Second,
		log:       discardLogger(),
		run: func(ctx context.Context, name string, args []string, stdin string) ([]byte, error) {
			*calls = append(*calls, runCall{name: name, args: args, stdin: stdin})
			return []byte(output), runErr
		},
	}
}

func TestCommandSender_ClassArgv(t *testing.T) {
	var calls []runCall
	s := testSender("", "", nil, &calls)
	dest := config.Destination{Class: "zmirror-nagios-test", Instance: "test"}

	if err := s.Send(context.Background(), dest, "4211631467"); err != nil {
		t.Fatalf("Send() unexpected error: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("runner calls: got %d, want 1", len(calls))
	}
	got := strings.Join(calls[0].args, " ")
	if got != "-n -c zmirror-nagios-test -i test" {
		t.Errorf("argv: got %q", got)
	}
	if calls[0].stdin != "4211631467" {
		t.Errorf("stdin: got %q, want the token", calls[0].stdin)
	}
}

func TestCommandSender_PersonalArgv(t *testing.T) {
	var calls []runCall
	s := testSender("", "", nil, &calls)
	dest := config.Destination{Personal: true, Recipient: "probe@EXAMPLE.EDU"}

	if err := s.Send(context.Background(), dest, "7"); err != nil {
		t.Fatalf("Send() unexpected error: %v", err)
	}
	got := strings.Join(calls[0].args, " ")
	if got != "-n probe@EXAMPLE.EDU" {
		t.Errorf("argv: got %q", got)
	}
}

func TestCommandSender_SignatureFlag(t *testing.T) {
	var calls []runCall
	s := testSender("Mirror Probe", "", nil, &calls)
	dest := config.Destination{Class: "c", Instance: "i"}

	if err := s.Send(context.Background(), dest, "1"); err != nil {
		t.Fatalf("Send() unexpected error: %v", err)
	}
	got := strings.Join(calls[0].args, " ")
	if got != "-n -s Mirror Probe -c c -i i" {
		t.Errorf("argv: got %q", got)
	}
}

func TestCommandSender_RecoverableFailure(t *testing.T) {
	var calls []runCall
	output := "zwrite: Detected server failure while receiving acknowledgement for message\n"
	s := testSender("", output, errors.New("exit status 1"), &calls)
	dest := config.Destination{Class: "c", Instance: "i"}

	err := s.Send(context.Background(), dest, "1")
	if !errors.Is(err, ErrServerFailure) {
		t.Fatalf("Send() should report ErrServerFailure, got: %v", err)
	}
}

func TestCommandSender_HardFailure(t *testing.T) {
	var calls []runCall
	s := testSender("", "zwrite: permission denied\n", errors.New("exit status 1"), &calls)
	dest := config.Destination{Class: "c", Instance: "i"}

	err := s.Send(context.Background(), dest, "1")
	if err == nil {
		t.Fatal("Send() expected error, got nil")
	}
	if errors.Is(err, ErrServerFailure) {
		t.Error("hard failure must not be classified recoverable")
	}
	if !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("error should carry the mailer output: %v", err)
	}
}

func TestNewCommandSender_ConfigWiring(t *testing.T) {
	cfg := config.ZephyrConfig{ZwritePath: "/usr/local/bin/zwrite", Signature: "sig"}
	s := NewCommandSender(cfg, 5*time.Second, discardLogger())

	if s.path != "/usr/local/bin/zwrite" {
		t.Errorf("path: got %q", s.path)
	}
	if s.signature != "sig" {
		t.Errorf("signature: got %q", s.signature)
	}
	if s.timeout != 5*time.Second {
		t.Errorf("timeout: got %v", s.timeout)
	}
}
