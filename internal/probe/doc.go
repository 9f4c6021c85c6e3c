// Package probe contains the run logic of the mirroring check: token
// issuance, the phased send/receive schedule, and reconciliation.
//
// A run issues two maps of unique random tokens, one per origin side,
// each with one token per test destination. Everything a destination
// receives should therefore show up exactly twice across the two sides:
// once where it was sent, once where the mirror delivered it. The driver
// sends the Zulip-origin map, then the Zephyr-origin map, draining the
// Zephyr port between sends so its bounded inbound buffer never
// overflows, waits a settle interval for the two-hop forwarding to
// finish, then collects the Zulip event batch.
//
// Reconciliation counts each issued token's occurrences in one
// observation list, ignoring bodies from other runs, and derives
// per-origin missing sets plus duplicate and success flags. It runs once
// per side; the reporter cross-compares the two results to name the
// broken direction.
//
// A lost zwrite acknowledgement gets one retry: the token is replaced,
// never resent verbatim, because the first copy may have been delivered
// after all. Two lost acknowledgements for the same logical message abort
// the run.
package probe
