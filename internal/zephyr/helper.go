package zephyr

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// HelperSession is the production Session. The native notice library is
// C-bound and runs out of process: a site-provided helper owns the port
// and subscriptions, and the session drives it over stdin/stdout with one
// JSON object per line (see the package docs for the protocol). Calls are
// strictly request/response; the probe is single-threaded, so at most one
// request is in flight.
type HelperSession struct {
	cmd     *exec.Cmd // nil when the transport is injected (tests)
	enc     *json.Encoder
	stdin   io.Closer
	resps   chan helperResponse
	timeout time.Duration
	log     *slog.Logger
	nextID  int64
}

type helperRequest struct {
	ID      int64    `json:"id"`
	Op      string   `json:"op"`
	Triples []Triple `json:"triples,omitempty"`
	Notice  int64    `json:"notice,omitempty"`
}

type helperResponse struct {
	ID        int64         `json:"id"`
	OK        bool          `json:"ok"`
	Code      string        `json:"code,omitempty"`
	Retryable bool          `json:"retryable,omitempty"`
	Error     string        `json:"error,omitempty"`
	Pending   int           `json:"pending,omitempty"`
	Triples   []Triple      `json:"triples,omitempty"`
	Notice    *helperNotice `json:"notice,omitempty"`
}

type helperNotice struct {
	ID       int64  `json:"id"`
	Class    string `json:"class"`
	Instance string `json:"instance"`
	Sender   string `json:"sender"`
	Opcode   string `json:"opcode"`
	Body     string `json:"body"`
}

// StartHelper launches the helper at path and returns a session attached
// to it. The helper is killed when ctx is cancelled; timeout bounds each
// individual request. The helper's own stderr passes through to ours.
func StartHelper(ctx context.Context, path string, timeout time.Duration, log *slog.Logger) (*HelperSession, error) {
	cmd := exec.CommandContext(ctx, path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("helper stdout: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start helper %s: %w", path, err)
	}

	s := newHelperSession(stdin, stdout, timeout, log)
	s.cmd = cmd
	return s, nil
}

// newHelperSession wires a session over an arbitrary transport; tests use
// in-memory pipes.
func newHelperSession(w io.WriteCloser, r io.Reader, timeout time.Duration, log *slog.Logger) *HelperSession {
	s := &HelperSession{
		enc:     json.NewEncoder(w),
		stdin:   w,
		resps:   make(chan helperResponse),
		timeout: timeout,
		log:     log,
		nextID:  1,
	}
	go s.readLoop(r)
	return s
}

func (s *HelperSession) OpenPort() error {
	_, err := s.call(helperRequest{Op: "open_port"})
	return err
}

func (s *HelperSession) Subscribe(triples []Triple) error {
	_, err := s.call(helperRequest{Op: "subscribe", Triples: triples})
	return err
}

func (s *HelperSession) Subscriptions() ([]Triple, error) {
	resp, err := s.call(helperRequest{Op: "subscriptions"})
	if err != nil {
		return nil, err
	}
	return resp.Triples, nil
}

func (s *HelperSession) CancelSubscriptions() error {
	_, err := s.call(helperRequest{Op: "cancel_subscriptions"})
	return err
}

func (s *HelperSession) Pending() (int, error) {
	resp, err := s.call(helperRequest{Op: "pending"})
	if err != nil {
		return 0, err
	}
	return resp.Pending, nil
}

func (s *HelperSession) Receive() (*Notice, error) {
	resp, err := s.call(helperRequest{Op: "receive"})
	if err != nil {
		return nil, err
	}
	if resp.Notice == nil {
		return nil, &Error{Op: "receive", Err: errors.New("helper returned no notice")}
	}
	id := resp.Notice.ID
	return NewNotice(Notice{
		Class:    resp.Notice.Class,
		Instance: resp.Notice.Instance,
		Sender:   resp.Notice.Sender,
		Opcode:   resp.Notice.Opcode,
		Body:     resp.Notice.Body,
	}, func() { s.free(id) }), nil
}

// Close asks the helper to release the port and exit, then reaps it.
// Errors on this path are logged, not returned: by the time Close runs
// the run's outcome is already decided.
func (s *HelperSession) Close() error {
	if _, err := s.call(helperRequest{Op: "close"}); err != nil {
		s.log.Warn("helper close request failed", "err", err)
	}
	if err := s.stdin.Close(); err != nil {
		s.log.Warn("helper stdin close failed", "err", err)
	}
	if s.cmd != nil {
		if err := s.cmd.Wait(); err != nil {
			s.log.Warn("helper exited abnormally", "err", err)
		}
	}
	return nil
}

// free releases one notice buffer held by the helper.
func (s *HelperSession) free(id int64) {
	if _, err := s.call(helperRequest{Op: "free", Notice: id}); err != nil {
		s.log.Warn("helper free failed", "notice", id, "err", err)
	}
}

// call sends one request and waits for its response. Failure responses
// come back as *Error carrying the helper's code and retryability.
func (s *HelperSession) call(req helperRequest) (helperResponse, error) {
	req.ID = s.nextID
	s.nextID++

	if err := s.enc.Encode(req); err != nil {
		return helperResponse{}, &Error{Op: req.Op, Err: fmt.Errorf("write request: %w", err)}
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	for {
		select {
		case resp, ok := <-s.resps:
			if !ok {
				return helperResponse{}, &Error{Op: req.Op, Err: errors.New("helper exited")}
			}
			if resp.ID != req.ID {
				s.log.Warn("helper response for stale request",
					"got", resp.ID, "want", req.ID)
				continue
			}
			if !resp.OK {
				return resp, &Error{
					Op:        req.Op,
					Code:      resp.Code,
					Retryable: resp.Retryable,
					Err:       errors.New(resp.Error),
				}
			}
			return resp, nil
		case <-timer.C:
			return helperResponse{}, &Error{Op: req.Op, Err: fmt.Errorf("no response within %s", s.timeout)}
		}
	}
}

// readLoop decodes helper stdout line by line until EOF, then closes the
// response channel so in-flight and later calls fail fast.
func (s *HelperSession) readLoop(r io.Reader) {
	defer close(s.resps)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp helperResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			s.log.Warn("helper emitted undecodable line", "err", err)
			continue
		}
		s.resps <- resp
	}
	if err := sc.Err(); err != nil {
		s.log.Warn("helper stdout read failed", "err", err)
	}
}
