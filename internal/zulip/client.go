package zulip

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zmirror/zmirror/internal/config"
)

const (
	userAgent = "zmirror-check-mirroring"

	// maxResponseBytes caps how much of a response body is read; real API
	// responses are far smaller, this guards against a misbehaving proxy.
	maxResponseBytes = 10 << 20

	// eventFetchTimeout backstops the blocking event fetch. The server
	// ends an empty long-poll with a heartbeat event within a minute, so
	// hitting this bound means the connection itself is stuck.
	eventFetchTimeout = 90 * time.Second
)

// Client is a minimal Zulip API client covering the four calls the probe
// makes: register an event queue, send messages, fetch queued events,
// delete the queue. One Client is built per run and reused.
type Client struct {
	site    string
	http    *http.Client
	timeout time.Duration // per-call bound, except the event fetch
	log     *slog.Logger
}

// NewClient builds a client for the configured site. timeout bounds each
// non-blocking call.
func NewClient(cfg config.ZulipConfig, timeout time.Duration, log *slog.Logger) *Client {
	return &Client{
		site: cfg.Site,
		http: &http.Client{
			Transport: &authRoundTripper{
				base:  http.DefaultTransport,
				email: cfg.Email,
				key:   cfg.APIKey(),
			},
		},
		timeout: timeout,
		log:     log,
	}
}

// authRoundTripper injects bot credentials and the probe User-Agent into
// every outgoing request.
type authRoundTripper struct {
	base  http.RoundTripper
	email string
	key   string
}

func (t *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.email, t.key)
	req.Header.Set("User-Agent", userAgent)
	return t.base.RoundTrip(req)
}

// Queue identifies a registered event queue.
type Queue struct {
	ID          string `json:"queue_id"`
	LastEventID int64  `json:"last_event_id"`
}

// Message is one outgoing test message. Private messages go to a single
// email address; stream messages go to the stream named To under Topic.
type Message struct {
	To      string
	Topic   string
	Private bool
	Content string
}

// Register creates an event queue receiving message events. The returned
// queue must be passed to GetEvents and eventually Deregister.
func (c *Client) Register(ctx context.Context) (*Queue, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := url.Values{}
	params.Set("event_types", `["message"]`)

	var q Queue
	if err := c.call(ctx, http.MethodPost, "/api/v1/register", params, &q); err != nil {
		return nil, fmt.Errorf("register event queue: %w", err)
	}
	c.log.Debug("event queue registered", "queue_id", q.ID)
	return &q, nil
}

// SendMessage delivers one message; a non-success API result is an error.
func (c *Client) SendMessage(ctx context.Context, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := url.Values{}
	params.Set("content", msg.Content)
	if msg.Private {
		params.Set("type", "private")
		params.Set("to", msg.To)
	} else {
		params.Set("type", "stream")
		params.Set("to", msg.To)
		params.Set("topic", msg.Topic)
	}

	if err := c.call(ctx, http.MethodPost, "/api/v1/messages", params, nil); err != nil {
		return fmt.Errorf("send message to %s: %w", msg.To, err)
	}
	c.log.Debug("message sent", "to", msg.To, "private", msg.Private)
	return nil
}

// GetEvents fetches the queue's pending events, blocking until at least
// one event (the server heartbeats idle queues) and returns the bodies of
// message events, whitespace-trimmed. The queue cursor is advanced so a
// repeated call would not see the same events again.
func (c *Client) GetEvents(ctx context.Context, q *Queue) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, eventFetchTimeout)
	defer cancel()

	params := url.Values{}
	params.Set("queue_id", q.ID)
	params.Set("last_event_id", strconv.FormatInt(q.LastEventID, 10))
	params.Set("dont_block", "false")

	var out struct {
		Events []struct {
			ID      int64  `json:"id"`
			Type    string `json:"type"`
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"events"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/events", params, &out); err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}

	var contents []string
	for _, ev := range out.Events {
		if ev.ID > q.LastEventID {
			q.LastEventID = ev.ID
		}
		if ev.Type != "message" {
			continue
		}
		contents = append(contents, strings.TrimSpace(ev.Message.Content))
	}
	c.log.Debug("events fetched", "events", len(out.Events), "messages", len(contents))
	return contents, nil
}

// Deregister deletes the event queue. Safe to call on cleanup paths; the
// server also expires unpolled queues on its own.
func (c *Client) Deregister(ctx context.Context, q *Queue) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := url.Values{}
	params.Set("queue_id", q.ID)

	if err := c.call(ctx, http.MethodDelete, "/api/v1/events", params, nil); err != nil {
		return fmt.Errorf("deregister event queue: %w", err)
	}
	return nil
}

// call issues one API request: form-encoded params (query string for
// GET/DELETE, body otherwise), JSON response decoded into out after the
// result field is checked.
func (c *Client) call(ctx context.Context, method, path string, params url.Values, out any) error {
	u := c.site + path
	var body io.Reader
	if method == http.MethodGet || method == http.MethodDelete {
		u += "?" + params.Encode()
	} else {
		body = strings.NewReader(params.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var res struct {
		Result string `json:"result"`
		Msg    string `json:"msg"`
		Code   string `json:"code"`
	}
	if err := json.Unmarshal(data, &res); err != nil {
		return fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if res.Result != "success" {
		if res.Code != "" {
			return fmt.Errorf("api error %s: %s", res.Code, res.Msg)
		}
		return fmt.Errorf("api error (HTTP %d): %s", resp.StatusCode, res.Msg)
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
