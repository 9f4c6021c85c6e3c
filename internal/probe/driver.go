package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zmirror/zmirror/internal/config"
	"github.com/zmirror/zmirror/internal/zephyr"
	"github.com/zmirror/zmirror/internal/zulip"
)

// ZulipClient is the chat-service surface the driver consumes.
type ZulipClient interface {
	Register(ctx context.Context) (*zulip.Queue, error)
	SendMessage(ctx context.Context, msg zulip.Message) error
	GetEvents(ctx context.Context, q *zulip.Queue) ([]string, error)
	Deregister(ctx context.Context, q *zulip.Queue) error
}

// ZephyrSender delivers one body via the CLI mailer.
type ZephyrSender interface {
	Send(ctx context.Context, dest config.Destination, body string) error
}

// Driver runs one probe end to end: verified subscription, both send
// phases with interleaved drains, the settle wait, collection and
// reconciliation. Strictly sequential; the only concurrency defended
// against is other probe instances sharing the test destinations.
type Driver struct {
	cfg    *config.Config
	dests  []config.Destination
	zulip  ZulipClient
	sess   zephyr.Session
	sender ZephyrSender
	keys   *KeyGen
	log    *slog.Logger
	sleep  func(time.Duration) // injectable for tests
}

// New wires a driver from its transports. dests is the destination set
// this invocation probes.
func New(cfg *config.Config, dests []config.Destination, zc ZulipClient, sess zephyr.Session, sender ZephyrSender, log *slog.Logger) *Driver {
	return &Driver{
		cfg:    cfg,
		dests:  dests,
		zulip:  zc,
		sess:   sess,
		sender: sender,
		keys:   NewKeyGen(),
		log:    log,
		sleep:  time.Sleep,
	}
}

// Outcome carries both issuance maps and both reconciliation results for
// reporting.
type Outcome struct {
	ViaZulip  Issuance
	ViaZephyr Issuance
	OnZulip   *Result // reconciliation of the Zulip observation list
	OnZephyr  *Result // reconciliation of the Zephyr observation list
}

// Success reports whether every token arrived exactly once on both sides.
func (o *Outcome) Success() bool {
	return o.OnZulip.Success && o.OnZephyr.Success
}

// Run executes the probe. A structural failure (subscription, send,
// fetch) aborts with an error and no Outcome; delivery anomalies are not
// errors, they are what the Outcome reports. Transport resources are
// released on every path.
func (d *Driver) Run(ctx context.Context) (*Outcome, error) {
	if err := d.sess.OpenPort(); err != nil {
		return nil, fmt.Errorf("open port: %w", err)
	}
	defer d.closeSession()

	sub := zephyr.NewSubscriber(d.sess,
		subscriptionTriples(d.dests, d.cfg.Zephyr.Account),
		d.cfg.Probe.SubscribeAttempts, d.log)
	if err := sub.Run(); err != nil {
		return nil, err
	}

	queue, err := d.zulip.Register(ctx)
	if err != nil {
		return nil, err
	}
	defer d.deregister(ctx, queue)

	viaZulip := d.keys.Populate(d.dests)
	viaZephyr := d.keys.Populate(d.dests)

	var zephyrObs []string

	// Drains are interleaved with the sends: the receive port's inbound
	// buffer is small, and mirrored copies start arriving while we are
	// still sending.
	d.log.Info("sending via zulip", "messages", len(viaZulip))
	for tok, dest := range viaZulip {
		if err := d.zulip.SendMessage(ctx, messageFor(dest, tok, d.cfg.Zulip.Email)); err != nil {
			return nil, err
		}
		if err := d.drainZephyr(&zephyrObs); err != nil {
			return nil, err
		}
	}
	if err := d.drainZephyr(&zephyrObs); err != nil {
		return nil, err
	}

	d.log.Info("sending via zephyr", "messages", len(viaZephyr))
	type pair struct {
		tok  string
		dest config.Destination
	}
	pairs := make([]pair, 0, len(viaZephyr))
	for tok, dest := range viaZephyr {
		pairs = append(pairs, pair{tok: tok, dest: dest})
	}
	for _, p := range pairs {
		fresh, err := d.sendZephyr(ctx, viaZephyr, p.tok, p.dest)
		if err != nil {
			return nil, err
		}
		if fresh != "" {
			delete(viaZephyr, p.tok)
			viaZephyr[fresh] = p.dest
		}
		if err := d.drainZephyr(&zephyrObs); err != nil {
			return nil, err
		}
	}

	d.log.Info("settling", "wait", d.cfg.Probe.SettleWait)
	d.sleep(d.cfg.Probe.SettleWait)
	if err := d.drainZephyr(&zephyrObs); err != nil {
		return nil, err
	}

	zulipObs, err := d.zulip.GetEvents(ctx, queue)
	if err != nil {
		return nil, err
	}
	d.log.Info("observations collected",
		"on_zulip", len(zulipObs), "on_zephyr", len(zephyrObs))

	return &Outcome{
		ViaZulip:  viaZulip,
		ViaZephyr: viaZephyr,
		OnZulip:   Reconcile(zulipObs, viaZulip, viaZephyr),
		OnZephyr:  Reconcile(zephyrObs, viaZulip, viaZephyr),
	}, nil
}

// sendZephyr delivers one token, retrying once with a fresh token when
// the server acknowledgement is lost; the original body may have gone out
// anyway, so it must not be reused. Returns the replacement token when a
// retry happened. A second lost acknowledgement for the same logical
// message is a systemic outage, not noise, and aborts the run.
func (d *Driver) sendZephyr(ctx context.Context, issued Issuance, tok string, dest config.Destination) (string, error) {
	err := d.sender.Send(ctx, dest, tok)
	if err == nil {
		return "", nil
	}
	if !errors.Is(err, zephyr.ErrServerFailure) {
		return "", err
	}

	fresh := d.keys.Generate(issued)
	d.log.Warn("send acknowledgement lost, retrying with a fresh token",
		"dest", dest.String(), "old_token", tok, "new_token", fresh)

	if err := d.sender.Send(ctx, dest, fresh); err != nil {
		if errors.Is(err, zephyr.ErrServerFailure) {
			return "", fmt.Errorf("send to %s lost two acknowledgements in a row: %w", dest, err)
		}
		return "", err
	}
	return fresh, nil
}

// drainZephyr moves every pending notice into the observation list.
func (d *Driver) drainZephyr(obs *[]string) error {
	for {
		n, err := d.sess.Pending()
		if err != nil {
			return fmt.Errorf("pending notices: %w", err)
		}
		if n == 0 {
			return nil
		}
		notice, err := d.sess.Receive()
		if err != nil {
			return fmt.Errorf("receive notice: %w", err)
		}
		d.ingest(notice, obs)
	}
}

// ingest appends a payload notice's body to the observation list and
// discards control notices (non-empty opcode), releasing the notice on
// either path.
func (d *Driver) ingest(n *zephyr.Notice, obs *[]string) {
	defer n.Free()
	if n.Opcode != "" {
		d.log.Debug("discarding control notice", "opcode", n.Opcode, "class", n.Class)
		return
	}
	*obs = append(*obs, strings.TrimSpace(n.Body))
}

// closeSession releases the subscription state and the receive port.
// Failures here cannot change the verdict, so they are only logged.
func (d *Driver) closeSession() {
	if err := d.sess.CancelSubscriptions(); err != nil {
		d.log.Warn("cancel subscriptions failed", "err", err)
	}
	if err := d.sess.Close(); err != nil {
		d.log.Warn("session close failed", "err", err)
	}
}

func (d *Driver) deregister(ctx context.Context, q *zulip.Queue) {
	if err := d.zulip.Deregister(ctx, q); err != nil {
		d.log.Warn("deregister event queue failed", "err", err)
	}
}

// messageFor renders a destination as a chat message carrying token:
// personals go back to the probe's own bot address, classes to the stream
// of the same name under the instance topic.
func messageFor(dest config.Destination, token, selfEmail string) zulip.Message {
	if dest.Personal {
		return zulip.Message{To: selfEmail, Private: true, Content: token}
	}
	return zulip.Message{To: dest.Class, Topic: dest.Instance, Content: token}
}

// subscriptionTriples builds the receive-side subscription set: one
// wildcard triple per distinct class, plus the personals triple when any
// destination is a personal.
func subscriptionTriples(dests []config.Destination, account string) []zephyr.Triple {
	var triples []zephyr.Triple
	seen := make(map[string]bool, len(dests))
	personal := false
	for _, d := range dests {
		if d.Personal {
			personal = true
			continue
		}
		if !seen[d.Class] {
			seen[d.Class] = true
			triples = append(triples, zephyr.ClassTriple(d.Class))
		}
	}
	if personal {
		triples = append(triples, zephyr.PersonalTriple(account))
	}
	return triples
}
