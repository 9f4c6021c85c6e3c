package probe

import "sort"

// Result is the reconciliation of one observation list against every
// token issued this run. Counts covers the union of both issuance maps;
// the missing sets split zero-count tokens by origin side so the reporter
// can tell which mirroring direction lost them.
type Result struct {
	Counts map[string]int

	// MissingZulipOrigin holds Zulip-issued tokens never observed, sorted.
	MissingZulipOrigin []string

	// MissingZephyrOrigin holds Zephyr-issued tokens never observed, sorted.
	MissingZephyrOrigin []string

	// HasDuplicates is set when any token was observed more than once.
	HasDuplicates bool

	// Success is set when every issued token was observed exactly once.
	Success bool
}

// Reconcile counts how often each issued token appears in received.
// Bodies not issued this run are ignored entirely: concurrent probe
// instances share the test destinations, and their tokens must not skew
// this run's counts. Call it once per observation list.
func Reconcile(received []string, viaZulip, viaZephyr Issuance) *Result {
	counts := make(map[string]int, len(viaZulip)+len(viaZephyr))
	for tok := range viaZulip {
		counts[tok] = 0
	}
	for tok := range viaZephyr {
		counts[tok] = 0
	}

	for _, body := range received {
		if _, issued := counts[body]; issued {
			counts[body]++
		}
	}

	res := &Result{Counts: counts, Success: true}
	for tok, n := range counts {
		switch {
		case n == 0:
			res.Success = false
			if _, ok := viaZulip[tok]; ok {
				res.MissingZulipOrigin = append(res.MissingZulipOrigin, tok)
			}
			if _, ok := viaZephyr[tok]; ok {
				res.MissingZephyrOrigin = append(res.MissingZephyrOrigin, tok)
			}
		case n > 1:
			res.Success = false
			res.HasDuplicates = true
		}
	}
	sort.Strings(res.MissingZulipOrigin)
	sort.Strings(res.MissingZephyrOrigin)
	return res
}
