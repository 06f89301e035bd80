package archive

import (
	"bytes"
	"io"
	"sort"

	"github.com/pkg/errors"
	"github.com/terminal-bench/attestd/pkg/crypto"
)

// Chunker splits snapshots into fixed-size pieces
type Chunker struct {
	chunkSize int
}

// Chunk is one piece of a snapshot
type Chunk struct {
	Index    int
	Data     []byte
	Checksum string
	Size     int
}

// NewChunker creates a chunker; non-positive sizes use DefaultChunkSize
func NewChunker(chunkSize int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Chunker{chunkSize: chunkSize}
}

// Split reads r to the end. Every chunk but the last is exactly the chunk
// size. An empty reader yields no chunks.
func (c *Chunker) Split(r io.Reader) ([]Chunk, error) {
	var chunks []Chunk
	buf := make([]byte, c.chunkSize)

	for index := 0; ; index++ {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			chunks = append(chunks, Chunk{
				Index:    index,
				Data:     data,
				Checksum: crypto.HashHex(data),
				Size:     n,
			})
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return chunks, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "read snapshot")
		}
	}
}

// Merge concatenates chunks in index order without reordering the input
func (c *Chunker) Merge(chunks []Chunk) []byte {
	sorted := make([]Chunk, len(chunks))
	copy(sorted, chunks)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var buf bytes.Buffer
	for _, chunk := range sorted {
		buf.Write(chunk.Data)
	}
	return buf.Bytes()
}

// Verify checks a chunk against its checksum
func (c *Chunker) Verify(chunk Chunk) bool {
	return crypto.HashHex(chunk.Data) == chunk.Checksum
}

// CalculateChunkCount returns how many chunks Split produces for size bytes
func (c *Chunker) CalculateChunkCount(size int64) int {
	return int((size + int64(c.chunkSize) - 1) / int64(c.chunkSize))
}
