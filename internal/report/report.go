package report

import (
	"fmt"
	"io"
	"slices"
	"sort"

	"github.com/zmirror/zmirror/internal/probe"
)

// Reporter renders a probe outcome as the plain-text diagnostic report
// read by operators. The process exit status, not this text, is the
// machine-readable interface.
type Reporter struct {
	w io.Writer
}

// New returns a Reporter writing to w.
func New(w io.Writer) *Reporter {
	return &Reporter{w: w}
}

// Render writes the verdict and, on failure, per-token diagnostics
// followed by the failure classification. Returns true when every token
// was seen exactly once on both sides.
func (r *Reporter) Render(out *probe.Outcome) bool {
	total := len(out.ViaZulip) + len(out.ViaZephyr)
	if out.Success() {
		fmt.Fprintf(r.w, "success: all %d probe tokens were seen exactly once on both sides\n", total)
		return true
	}

	fmt.Fprintln(r.w, "failure: probe tokens were lost or duplicated")
	r.tokenLines(out)
	r.classify(out)
	return false
}

// tokenLines prints one line per anomalous token: its counts on both
// sides and where it was originally sent.
func (r *Reporter) tokenLines(out *probe.Outcome) {
	tokens := make([]string, 0, len(out.ViaZulip)+len(out.ViaZephyr))
	tokens = append(tokens, out.ViaZulip.Tokens()...)
	tokens = append(tokens, out.ViaZephyr.Tokens()...)
	sort.Strings(tokens)

	for _, tok := range tokens {
		onZulip := out.OnZulip.Counts[tok]
		onZephyr := out.OnZephyr.Counts[tok]
		if onZulip == 1 && onZephyr == 1 {
			continue
		}
		origin, dest := "zulip", out.ViaZulip[tok]
		if _, ok := out.ViaZephyr[tok]; ok {
			origin, dest = "zephyr", out.ViaZephyr[tok]
		}
		where := dest.String()
		if dest.Shard != "" {
			where = fmt.Sprintf("%s (shard %s)", where, dest.Shard)
		}
		fmt.Fprintf(r.w, "token %s sent via %s to %s: seen %d on zulip, %d on zephyr\n",
			tok, origin, where, onZulip, onZephyr)
	}
}

// classify prints every applicable aggregate diagnosis. The checks are
// independent; more than one line can apply to the same run.
func (r *Reporter) classify(out *probe.Outcome) {
	if out.OnZephyr.HasDuplicates {
		fmt.Fprintln(r.w, "duplicates on zephyr: likely a loop detection bug in the zulip to zephyr direction")
	}
	if out.OnZulip.HasDuplicates {
		fmt.Fprintln(r.w, "duplicates on zulip: likely a loop detection bug in the zephyr to zulip direction")
	}
	if len(out.OnZulip.MissingZulipOrigin) > 0 {
		fmt.Fprintln(r.w, "zulip-origin tokens never came back on zulip: local zulip send or event queue defect, not a mirroring failure")
	}
	if len(out.OnZephyr.MissingZephyrOrigin) > 0 {
		fmt.Fprintln(r.w, "zephyr-origin tokens never came back on zephyr: local zephyr send or receive defect, not a mirroring failure")
	}
	if miss := out.OnZulip.MissingZephyrOrigin; len(miss) > 0 {
		fmt.Fprintln(r.w, "zephyr-origin tokens missing on zulip: zephyr to zulip mirroring looks broken")
		if slices.Equal(miss, out.OnZephyr.MissingZephyrOrigin) {
			fmt.Fprintln(r.w, "the same tokens never arrived on zephyr either: the zephyr sends or the mirroring script failed outright")
		}
	}
	if miss := out.OnZephyr.MissingZulipOrigin; len(miss) > 0 {
		fmt.Fprintln(r.w, "zulip-origin tokens missing on zephyr: zulip to zephyr mirroring looks broken")
		if slices.Equal(miss, out.OnZulip.MissingZulipOrigin) {
			fmt.Fprintln(r.w, "the same tokens never arrived on zulip either: the zulip sends or the event delivery failed outright")
		}
	}
}
