package models

import (
	"time"
)

// AuditEntry is an immutable record of one operation
type AuditEntry struct {
	Index      int64                  `json:"index" db:"idx"`
	Timestamp  time.Time              `json:"timestamp" db:"timestamp"`
	Operation  string                 `json:"operation" db:"operation"`
	InputHash  string                 `json:"input_hash" db:"input_hash"`
	OutputHash string                 `json:"output_hash" db:"output_hash"`
	OperatorID *string                `json:"operator_id" db:"operator_id"`
	Approved   bool                   `json:"approved" db:"approved"`
	Metadata   map[string]interface{} `json:"metadata" db:"metadata"`
	PrevHash   string                 `json:"prev_hash" db:"prev_hash"`
	EntryHash  string                 `json:"entry_hash" db:"entry_hash"`
	// Signature covers EntryHash and is not part of the hashed fields
	Signature string `json:"signature,omitempty" db:"signature"`
}

// Clone returns a deep copy of the entry
func (e AuditEntry) Clone() AuditEntry {
	out := e
	if e.OperatorID != nil {
		id := *e.OperatorID
		out.OperatorID = &id
	}
	out.Metadata = cloneMap(e.Metadata)
	return out
}

func cloneMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return cloneMap(val)
	case []interface{}:
		cp := make([]interface{}, len(val))
		for i, item := range val {
			cp[i] = cloneValue(item)
		}
		return cp
	default:
		return v
	}
}
