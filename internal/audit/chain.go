package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"pool-ledger/internal/model"
)

// GenesisHash anchors the first record of every arena's chain.
var GenesisHash = strings.Repeat("0", 64)

// HashRecord computes the chain hash of an audit record given its
// predecessor's hash. Any later edit to the record, or any reordering of
// the chain, changes the hash and is caught by VerifyChain.
func HashRecord(prevHash string, r model.AuditRecord) string {
	payload := fmt.Sprintf("%s|%s|%d|%d|%d|%t|%s",
		r.GameID, r.ArenaID, r.Delta, r.WinnerGain, r.LoserLoss, r.Balanced,
		r.CreatedAt.UTC().Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(prevHash + "|" + payload))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks that a slice of audit records, in insertion order,
// forms an unbroken hash chain.
func VerifyChain(records []model.AuditRecord) bool {
	prev := GenesisHash
	for _, r := range records {
		if r.PrevHash != prev {
			return false
		}
		if HashRecord(prev, r) != r.Hash {
			return false
		}
		prev = r.Hash
	}
	return true
}
