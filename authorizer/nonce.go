package authorizer

import (
	"strings"
	"sync"
)

// NonceLedger maps payer addresses to their next-expected nonce. Nonces start
// at zero, increase strictly monotonically, and are never reset. A presented
// nonce must equal the stored value exactly: no gaps, no reuse.
type NonceLedger struct {
	mu     sync.Mutex
	nonces map[string]uint64
}

// NewNonceLedger creates an empty nonce ledger.
func NewNonceLedger() *NonceLedger {
	return &NonceLedger{nonces: make(map[string]uint64)}
}

// Current returns the stored nonce for payer. Unknown payers are at zero.
func (l *NonceLedger) Current(payer string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonces[nonceKey(payer)]
}

// Increment advances the payer's nonce by exactly one. Idempotency is the
// caller's responsibility: call once per admitted action.
func (l *NonceLedger) Increment(payer string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nonces[nonceKey(payer)]++
}

func nonceKey(payer string) string {
	return strings.ToLower(payer)
}
