// Package safety bounds the size of data submitted for computation.
package safety

import (
	"fmt"

	"github.com/terminal-bench/attestd/pkg/crypto"
)

// Defaults mirror the limits the service has always shipped with
const (
	DefaultMaxBlocks    = 10000
	DefaultMaxBlockSize = 10 * 1024 * 1024  // 10MB per block
	DefaultMaxTotalSize = 100 * 1024 * 1024 // 100MB total
)

// Limit names reported in InputTooLargeError
const (
	LimitBlockCount = "max_data_blocks"
	LimitBlockSize  = "max_block_size"
	LimitTotalSize  = "max_total_size"
)

// Limits holds the input size bounds
type Limits struct {
	MaxBlocks    int   `json:"max_data_blocks" yaml:"max_data_blocks"`
	MaxBlockSize int64 `json:"max_block_size" yaml:"max_block_size"`
	MaxTotalSize int64 `json:"max_total_size" yaml:"max_total_size"`
}

// DefaultLimits returns the shipped limits
func DefaultLimits() Limits {
	return Limits{
		MaxBlocks:    DefaultMaxBlocks,
		MaxBlockSize: DefaultMaxBlockSize,
		MaxTotalSize: DefaultMaxTotalSize,
	}
}

// InputTooLargeError reports the first limit a request exceeded
type InputTooLargeError struct {
	Limit    string
	Max      int64
	Observed int64
	// Index is the offending block for per-block limits, -1 otherwise
	Index int
}

func (e *InputTooLargeError) Error() string {
	switch e.Limit {
	case LimitBlockCount:
		return fmt.Sprintf("too many data blocks: %d > %d", e.Observed, e.Max)
	case LimitBlockSize:
		return fmt.Sprintf("block %d too large: %d > %d", e.Index, e.Observed, e.Max)
	default:
		return fmt.Sprintf("total size too large: %d > %d", e.Observed, e.Max)
	}
}

// Validator enforces Limits. It is safe for concurrent use.
type Validator struct {
	limits Limits
}

// NewValidator creates a validator. Non-positive limits fall back to the defaults.
func NewValidator(limits Limits) *Validator {
	def := DefaultLimits()
	if limits.MaxBlocks <= 0 {
		limits.MaxBlocks = def.MaxBlocks
	}
	if limits.MaxBlockSize <= 0 {
		limits.MaxBlockSize = def.MaxBlockSize
	}
	if limits.MaxTotalSize <= 0 {
		limits.MaxTotalSize = def.MaxTotalSize
	}
	return &Validator{limits: limits}
}

// Limits returns the configured bounds
func (v *Validator) Limits() Limits {
	return v.limits
}

// Validate checks block count, then each block size, then the total size,
// stopping at the first violation.
func (v *Validator) Validate(blocks []string) error {
	if len(blocks) > v.limits.MaxBlocks {
		return &InputTooLargeError{
			Limit:    LimitBlockCount,
			Max:      int64(v.limits.MaxBlocks),
			Observed: int64(len(blocks)),
			Index:    -1,
		}
	}

	var total int64
	for i, block := range blocks {
		size := int64(len(block))
		if size > v.limits.MaxBlockSize {
			return &InputTooLargeError{
				Limit:    LimitBlockSize,
				Max:      v.limits.MaxBlockSize,
				Observed: size,
				Index:    i,
			}
		}
		total += size
	}

	if total > v.limits.MaxTotalSize {
		return &InputTooLargeError{
			Limit:    LimitTotalSize,
			Max:      v.limits.MaxTotalSize,
			Observed: total,
			Index:    -1,
		}
	}

	return nil
}

// InputHash is the digest of the JSON array of blocks recorded in the audit trail
func InputHash(blocks []string) (string, error) {
	if blocks == nil {
		blocks = []string{}
	}
	return crypto.HashJSON(blocks)
}
