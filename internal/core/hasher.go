package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"sort"

	"BatchVault/internal/batch"
	"BatchVault/internal/event"
	"BatchVault/internal/ledger"
)

const GenesisHashSeed = "BatchVault:genesis:v1"

// GenesisHash is the chain tip before the first command.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// StateHasher computes deterministic state hashes
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: GenesisHash()}
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the chain tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(h.prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash moves the chain tip, used when resuming from a checkpoint.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// stateDigest is the canonical byte form of what one command changed: the
// post-command balance of every account its journals touched, the pool
// accounting state and the events it emitted.
func stateDigest(book *ledger.BalanceTracker, journals *ledger.Batch, accounting batch.AccountingState, events []event.Record) ([]byte, error) {
	affected := make(map[ledger.AccountKey]bool)
	if journals != nil {
		for _, j := range journals.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}
	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+512)
	for _, key := range accounts {
		path := key.AccountPath()
		bal := book.GetBalance(key).String()
		digest = appendLenPrefixed(digest, path)
		digest = appendLenPrefixed(digest, bal)
	}

	acct, err := json.Marshal(accounting)
	if err != nil {
		return nil, err
	}
	digest = append(digest, acct...)

	evts, err := json.Marshal(events)
	if err != nil {
		return nil, err
	}
	return append(digest, evts...), nil
}

func appendLenPrefixed(buf []byte, s string) []byte {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(s)))
	buf = append(buf, n[:]...)
	return append(buf, s...)
}
