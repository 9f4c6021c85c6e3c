package probe

import (
	"math/rand/v2"
	"strconv"

	"github.com/zmirror/zmirror/internal/config"
)

// Issuance records which token was sent to which destination over one
// transport. Two are built per run, one per origin side.
type Issuance map[string]config.Destination

// Tokens returns the issued tokens in map order.
func (m Issuance) Tokens() []string {
	out := make([]string, 0, len(m))
	for tok := range m {
		out = append(out, tok)
	}
	return out
}

// KeyGen issues probe tokens: decimal renderings of random 32-bit values.
// The draw is injectable so tests can force collisions.
type KeyGen struct {
	next func() uint32
}

// NewKeyGen returns a generator drawing from math/rand/v2.
func NewKeyGen() *KeyGen {
	return &KeyGen{next: rand.Uint32}
}

// Generate draws tokens until one is absent from existing. Collisions are
// astronomically rare but handled, not assumed away.
func (g *KeyGen) Generate(existing Issuance) string {
	for {
		tok := strconv.FormatUint(uint64(g.next()), 10)
		if _, taken := existing[tok]; !taken {
			return tok
		}
	}
}

// Populate issues one token per destination into a fresh map; each call
// to Generate sees all earlier keys, so tokens are unique within the map.
func (g *KeyGen) Populate(dests []config.Destination) Issuance {
	m := make(Issuance, len(dests))
	for _, d := range dests {
		m[g.Generate(m)] = d
	}
	return m
}
