package audit

import (
	"fmt"

	"github.com/terminal-bench/attestd/internal/models"
	"github.com/terminal-bench/attestd/pkg/crypto"
)

// IntegrityViolationError identifies the first entry that failed verification
type IntegrityViolationError struct {
	Index  int64
	Reason string
}

func (e *IntegrityViolationError) Error() string {
	return fmt.Sprintf("audit integrity violation at entry %d: %s", e.Index, e.Reason)
}

// VerifyEntries checks sequence numbers, prev-hash links and recomputed
// entry hashes. When verifier is non-nil, signed entries must also verify.
func VerifyEntries(entries []models.AuditEntry, verifier crypto.Verifier) error {
	var expectedPrev string
	for i, e := range entries {
		expectedIndex := int64(i) + 1
		if e.Index != expectedIndex {
			return &IntegrityViolationError{
				Index:  expectedIndex,
				Reason: fmt.Sprintf("index mismatch: found %d", e.Index),
			}
		}
		if e.PrevHash != expectedPrev {
			return &IntegrityViolationError{Index: e.Index, Reason: "prev_hash mismatch"}
		}

		computed, err := EntryHash(e)
		if err != nil {
			return &IntegrityViolationError{Index: e.Index, Reason: err.Error()}
		}
		if computed != e.EntryHash {
			return &IntegrityViolationError{Index: e.Index, Reason: "entry_hash mismatch"}
		}

		if verifier != nil && e.Signature != "" && !verifier.Verify(e.EntryHash, e.Signature) {
			return &IntegrityViolationError{Index: e.Index, Reason: "signature mismatch"}
		}

		expectedPrev = e.EntryHash
	}
	return nil
}
