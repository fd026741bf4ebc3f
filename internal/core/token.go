package core

import (
	"strconv"
	"sync/atomic"
)

// TokenIssuer mints correlation tokens for controls attached to drafts and confirmations.
// A process-wide counter guarantees uniqueness; the coarse timestamp only separates restarts.
type TokenIssuer struct {
	seq   atomic.Uint64
	clock Clock
}

func NewTokenIssuer(clock Clock) *TokenIssuer {
	return &TokenIssuer{clock: clock}
}

// Issue returns a short token such as "sq2f1c.1a", safe for 64-byte button payloads.
func (i *TokenIssuer) Issue() string {
	n := i.seq.Add(1)
	return strconv.FormatInt(i.clock.now().Unix(), 36) + "." + strconv.FormatUint(n, 36)
}
