// Package archive writes snapshots of the audit trail to object storage.
//
// A snapshot is the JSON encoded trail, optionally encrypted, split into
// chunks. Each chunk is stored under its own key and a manifest records
// the chunk checksums, the Merkle root over them and the trail root the
// snapshot was taken at.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/terminal-bench/attestd/internal/models"
	"github.com/terminal-bench/attestd/internal/services/audit"
	"github.com/terminal-bench/attestd/internal/services/merkle"
	"github.com/terminal-bench/attestd/pkg/crypto"
)

// DefaultChunkSize is 5 MiB, the S3 multipart minimum
const DefaultChunkSize = 5 * 1024 * 1024

var (
	ErrNoStore          = errors.New("archive storage not configured")
	ErrChecksumMismatch = errors.New("archive chunk checksum mismatch")
	ErrManifestMismatch = errors.New("archive manifest does not match its contents")
	ErrNotFound         = errors.New("archive not found")
)

// ChunkInfo locates and fingerprints one stored chunk
type ChunkInfo struct {
	Index    int    `json:"index"`
	Key      string `json:"key"`
	Size     int    `json:"size"`
	Checksum string `json:"checksum"`
}

// Manifest describes a stored snapshot
type Manifest struct {
	ID            string      `json:"id"`
	OperationID   string      `json:"operation_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	EntryCount    int         `json:"entry_count"`
	TrailRoot     string      `json:"trail_root"`
	LastEntryHash string      `json:"last_entry_hash"`
	Encrypted     bool        `json:"encrypted"`
	Size          int64       `json:"size"`
	Checksum      string      `json:"checksum"`
	ChunkSize     int         `json:"chunk_size"`
	ChunkRoot     string      `json:"chunk_root"`
	Chunks        []ChunkInfo `json:"chunks"`
}

// Service archives audit trails
type Service struct {
	store     ObjectStore
	chunker   *Chunker
	encryptor *crypto.Encryptor
	verifier  crypto.Verifier
	prefix    string
	now       func() time.Time
}

// Option configures a Service
type Option func(*Service)

// WithEncryptor encrypts snapshots before they are chunked
func WithEncryptor(e *crypto.Encryptor) Option {
	return func(s *Service) { s.encryptor = e }
}

// WithVerifier checks entry signatures when a snapshot is restored
func WithVerifier(v crypto.Verifier) Option {
	return func(s *Service) { s.verifier = v }
}

// WithPrefix changes the key prefix, "archives" by default
func WithPrefix(prefix string) Option {
	return func(s *Service) { s.prefix = prefix }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an archive service. A nil store makes Archive fail
// with ErrNoStore.
func NewService(store ObjectStore, chunkSize int, opts ...Option) *Service {
	s := &Service{
		store:   store,
		chunker: NewChunker(chunkSize),
		prefix:  "archives",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled reports whether an object store is configured
func (s *Service) Enabled() bool {
	return s.store != nil
}

func (s *Service) manifestKey(id string) string {
	return fmt.Sprintf("%s/%s/manifest.json", s.prefix, id)
}

func (s *Service) chunkKey(id string, index int) string {
	return fmt.Sprintf("%s/%s/chunks/%06d", s.prefix, id, index)
}

// Archive stores trail and returns its manifest. root is the trail's
// Merkle root at the time of the snapshot.
func (s *Service) Archive(ctx context.Context, operationID string, trail []models.AuditEntry, root string) (*Manifest, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}

	data, err := json.Marshal(trail)
	if err != nil {
		return nil, errors.Wrap(err, "encode trail")
	}
	if s.encryptor != nil {
		if data, err = s.encryptor.Encrypt(data); err != nil {
			return nil, errors.Wrap(err, "encrypt trail")
		}
	}

	chunks, err := s.chunker.Split(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	m := &Manifest{
		ID:          uuid.New().String(),
		OperationID: operationID,
		CreatedAt:   s.now().UTC(),
		EntryCount:  len(trail),
		TrailRoot:   root,
		Encrypted:   s.encryptor != nil,
		Size:        int64(len(data)),
		Checksum:    crypto.HashHex(data),
		ChunkSize:   s.chunker.chunkSize,
		Chunks:      make([]ChunkInfo, 0, len(chunks)),
	}
	if len(trail) > 0 {
		m.LastEntryHash = trail[len(trail)-1].EntryHash
	}

	checksums := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		key := s.chunkKey(m.ID, chunk.Index)
		if err := s.store.Put(ctx, key, chunk.Data, "application/octet-stream"); err != nil {
			return nil, errors.Wrapf(err, "store chunk %d", chunk.Index)
		}
		m.Chunks = append(m.Chunks, ChunkInfo{
			Index:    chunk.Index,
			Key:      key,
			Size:     chunk.Size,
			Checksum: chunk.Checksum,
		})
		checksums = append(checksums, chunk.Checksum)
	}
	m.ChunkRoot, _ = merkle.RootOfHashes(checksums)

	body, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode manifest")
	}
	if err := s.store.Put(ctx, s.manifestKey(m.ID), body, "application/json"); err != nil {
		return nil, errors.Wrap(err, "store manifest")
	}
	return m, nil
}

// Restore reads a snapshot back, checking every chunk and the whole
// payload against the manifest. The decoded trail must match the
// manifest's entry count, last entry hash and trail root, and must pass
// audit verification; a broken chain is returned as a wrapped
// *audit.IntegrityViolationError.
func (s *Service) Restore(ctx context.Context, id string) (*Manifest, []models.AuditEntry, error) {
	if s.store == nil {
		return nil, nil, ErrNoStore
	}

	body, err := s.store.Get(ctx, s.manifestKey(id))
	if errors.Is(err, ErrObjectNotFound) {
		return nil, nil, errors.Wrapf(ErrNotFound, "archive %s", id)
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "load manifest")
	}
	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, nil, errors.Wrap(err, "decode manifest")
	}
	if want := NewChunker(m.ChunkSize).CalculateChunkCount(m.Size); len(m.Chunks) != want {
		return nil, nil, errors.Wrapf(ErrManifestMismatch, "%d chunks listed, %d expected", len(m.Chunks), want)
	}

	chunks := make([]Chunk, 0, len(m.Chunks))
	checksums := make([]string, 0, len(m.Chunks))
	for _, info := range m.Chunks {
		data, err := s.store.Get(ctx, info.Key)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "load chunk %d", info.Index)
		}
		chunk := Chunk{Index: info.Index, Data: data, Checksum: info.Checksum, Size: len(data)}
		if !s.chunker.Verify(chunk) {
			return nil, nil, errors.Wrapf(ErrChecksumMismatch, "chunk %d", info.Index)
		}
		chunks = append(chunks, chunk)
		checksums = append(checksums, info.Checksum)
	}

	if root, _ := merkle.RootOfHashes(checksums); root != m.ChunkRoot {
		return nil, nil, errors.Wrap(ErrManifestMismatch, "chunk root")
	}
	data := s.chunker.Merge(chunks)
	if crypto.HashHex(data) != m.Checksum {
		return nil, nil, errors.Wrap(ErrManifestMismatch, "payload checksum")
	}

	if m.Encrypted {
		if s.encryptor == nil {
			return nil, nil, errors.New("archive is encrypted but no key is configured")
		}
		if data, err = s.encryptor.Decrypt(data); err != nil {
			return nil, nil, errors.Wrap(err, "decrypt trail")
		}
	}

	var trail []models.AuditEntry
	if err := json.Unmarshal(data, &trail); err != nil {
		return nil, nil, errors.Wrap(err, "decode trail")
	}
	if err := s.verifyTrail(&m, trail); err != nil {
		return nil, nil, err
	}
	return &m, trail, nil
}

func (s *Service) verifyTrail(m *Manifest, trail []models.AuditEntry) error {
	if len(trail) != m.EntryCount {
		return errors.Wrapf(ErrManifestMismatch, "%d entries, manifest lists %d", len(trail), m.EntryCount)
	}

	hashes := make([]string, len(trail))
	for i, e := range trail {
		hashes[i] = e.EntryHash
	}
	var last string
	if n := len(hashes); n > 0 {
		last = hashes[n-1]
	}
	if last != m.LastEntryHash {
		return errors.Wrap(ErrManifestMismatch, "last entry hash")
	}
	if root, _ := merkle.RootOfHashes(hashes); root != m.TrailRoot {
		return errors.Wrap(ErrManifestMismatch, "trail root")
	}

	if err := audit.VerifyEntries(trail, s.verifier); err != nil {
		return errors.Wrap(err, "restored trail")
	}
	return nil
}
