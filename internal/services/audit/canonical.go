package audit

import (
	"time"

	"github.com/terminal-bench/attestd/internal/models"
	"github.com/terminal-bench/attestd/pkg/crypto"
)

// canonicalFields lists every hashed field of an entry. The map form gives
// a key-sorted JSON encoding.
func canonicalFields(e models.AuditEntry) map[string]interface{} {
	var operator interface{}
	if e.OperatorID != nil {
		operator = *e.OperatorID
	}
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return map[string]interface{}{
		"index":       e.Index,
		"timestamp":   e.Timestamp.UTC().Format(time.RFC3339Nano),
		"operation":   e.Operation,
		"input_hash":  e.InputHash,
		"output_hash": e.OutputHash,
		"operator_id": operator,
		"approved":    e.Approved,
		"metadata":    metadata,
		"prev_hash":   e.PrevHash,
	}
}

// EntryHash computes the digest of e's hashed fields. It never reads
// e.EntryHash or e.Signature.
func EntryHash(e models.AuditEntry) (string, error) {
	return crypto.HashJSON(canonicalFields(e))
}
