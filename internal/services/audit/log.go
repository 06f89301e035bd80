// Package audit keeps the append-only, hash-chained record of every
// operation the service performs.
package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/attestd/internal/models"
	"github.com/terminal-bench/attestd/internal/services/merkle"
	"github.com/terminal-bench/attestd/pkg/crypto"
)

// Record is the caller supplied part of an entry
type Record struct {
	Operation  string
	InputHash  string
	OutputHash string
	// OperatorID is optional; empty means no operator was identified
	OperatorID string
	Approved   bool
	Metadata   map[string]interface{}
}

// Sink receives every entry after it has been appended in memory
type Sink interface {
	Persist(ctx context.Context, entry models.AuditEntry) error
}

// Option configures a Log
type Option func(*Log)

// WithSigner signs each entry hash
func WithSigner(s crypto.Signer) Option {
	return func(l *Log) { l.signer = s }
}

// WithSink mirrors appended entries to durable storage
func WithSink(s Sink) Option {
	return func(l *Log) { l.sink = s }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithLogger sets the logger used for sink failures
func WithLogger(logger logrus.FieldLogger) Option {
	return func(l *Log) { l.logger = logger }
}

// Log is the in-memory audit trail. Entries are never edited or removed.
type Log struct {
	mu      sync.RWMutex
	entries []models.AuditEntry

	signer crypto.Signer
	sink   Sink
	now    func() time.Time
	logger logrus.FieldLogger
}

// NewLog creates an empty log
func NewLog(opts ...Option) *Log {
	l := &Log{
		now:    time.Now,
		logger: logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ErrNotEmpty is returned when Resume is called on a log that already has entries
var ErrNotEmpty = errors.New("audit: log already has entries")

// Resume loads a previously persisted trail into an empty log so new
// entries continue its chain. The trail is verified first and nothing is
// loaded if it has been tampered with.
func (l *Log) Resume(entries []models.AuditEntry) error {
	if err := VerifyEntries(entries, l.signer); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) > 0 {
		return ErrNotEmpty
	}
	l.entries = make([]models.AuditEntry, len(entries))
	for i, e := range entries {
		l.entries[i] = e.Clone()
	}
	return nil
}

// Append records an operation and returns the new entry hash
func (l *Log) Append(ctx context.Context, rec Record) (string, error) {
	if rec.Operation == "" {
		return "", errors.New("audit: operation is required")
	}

	metadata, err := normalizeMetadata(rec.Metadata)
	if err != nil {
		return "", err
	}

	entry := models.AuditEntry{
		Operation:  rec.Operation,
		InputHash:  rec.InputHash,
		OutputHash: rec.OutputHash,
		Approved:   rec.Approved,
		Metadata:   metadata,
	}
	if rec.OperatorID != "" {
		id := rec.OperatorID
		entry.OperatorID = &id
	}

	l.mu.Lock()
	entry.Index = int64(len(l.entries)) + 1
	// Postgres TIMESTAMPTZ keeps microseconds; hashing more would not
	// survive a round trip through the repository.
	entry.Timestamp = l.now().UTC().Truncate(time.Microsecond)
	if n := len(l.entries); n > 0 {
		entry.PrevHash = l.entries[n-1].EntryHash
	}

	hash, err := EntryHash(entry)
	if err != nil {
		l.mu.Unlock()
		return "", errors.Wrap(err, "audit: hash entry")
	}
	entry.EntryHash = hash

	if l.signer != nil {
		sig, err := l.signer.Sign(hash)
		if err != nil {
			l.mu.Unlock()
			return "", errors.Wrap(err, "audit: sign entry")
		}
		entry.Signature = sig
	}

	entry = entry.Clone()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.Persist(ctx, entry.Clone()); err != nil {
			l.logger.WithError(err).WithFields(logrus.Fields{
				"index":      entry.Index,
				"entry_hash": entry.EntryHash,
			}).Error("failed to persist audit entry")
		}
	}

	return hash, nil
}

// normalizeMetadata decodes the caller's metadata into plain JSON values so
// the stored entry shares nothing with the caller and hashes the same after
// a round trip through storage.
func normalizeMetadata(in map[string]interface{}) (map[string]interface{}, error) {
	if len(in) == 0 {
		return map[string]interface{}{}, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, errors.Wrap(err, "audit: encode metadata")
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, errors.Wrap(err, "audit: decode metadata")
	}
	return out, nil
}

// Trail returns a copy of every entry, oldest first
func (l *Log) Trail() []models.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.AuditEntry, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Clone()
	}
	return out
}

// Len returns the number of entries
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Root returns the Merkle root over all entry hashes
func (l *Log) Root() (string, bool) {
	l.mu.RLock()
	hashes := make([]string, len(l.entries))
	for i, e := range l.entries {
		hashes[i] = e.EntryHash
	}
	l.mu.RUnlock()

	return merkle.RootOfHashes(hashes)
}

// Snapshot returns a copy of every entry and the verification result for
// exactly that set of entries
func (l *Log) Snapshot() ([]models.AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.AuditEntry, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.Clone()
	}
	return out, VerifyEntries(l.entries, l.signer)
}

// Verify recomputes every entry and returns the first violation found
func (l *Log) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyEntries(l.entries, l.signer)
}

// VerifyIntegrity reports whether Verify finds no violation
func (l *Log) VerifyIntegrity() bool {
	return l.Verify() == nil
}
