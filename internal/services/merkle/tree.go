// Package merkle builds binary SHA-256 hash trees over ordered data blocks.
//
// Hashes are carried as lowercase hex strings and parents hash the
// concatenation of the two child hex strings, left then right. Odd layers
// duplicate their last hash before pairing.
package merkle

import (
	"github.com/terminal-bench/attestd/pkg/crypto"
)

// Tree is an immutable Merkle tree. Layer 0 holds the leaves and the last
// layer holds the root.
type Tree struct {
	layers [][]string
}

// Build hashes every block and builds the tree. An empty input yields a
// tree without a root.
func Build(blocks []string) *Tree {
	leaves := make([]string, len(blocks))
	for i, block := range blocks {
		leaves[i] = crypto.HashString(block)
	}
	return FromHashes(leaves)
}

// FromHashes builds a tree over leaves that are already hashed
func FromHashes(leaves []string) *Tree {
	if len(leaves) == 0 {
		return &Tree{}
	}

	current := make([]string, len(leaves))
	copy(current, leaves)
	layers := [][]string{current}

	for len(current) > 1 {
		current = nextLayer(current)
		layers = append(layers, current)
	}

	return &Tree{layers: layers}
}

func nextLayer(hashes []string) []string {
	if len(hashes)%2 != 0 {
		padded := make([]string, len(hashes), len(hashes)+1)
		copy(padded, hashes)
		hashes = append(padded, hashes[len(hashes)-1])
	}

	next := make([]string, 0, len(hashes)/2)
	for i := 0; i < len(hashes); i += 2 {
		next = append(next, crypto.HashString(hashes[i]+hashes[i+1]))
	}
	return next
}

// Root returns the root hash, or false when the tree has no leaves
func (t *Tree) Root() (string, bool) {
	if len(t.layers) == 0 {
		return "", false
	}
	top := t.layers[len(t.layers)-1]
	return top[0], true
}

// Leaves returns a copy of the leaf hashes in submission order
func (t *Tree) Leaves() []string {
	if len(t.layers) == 0 {
		return nil
	}
	out := make([]string, len(t.layers[0]))
	copy(out, t.layers[0])
	return out
}

// Layers returns a copy of every layer, leaves first
func (t *Tree) Layers() [][]string {
	out := make([][]string, len(t.layers))
	for i, layer := range t.layers {
		out[i] = make([]string, len(layer))
		copy(out[i], layer)
	}
	return out
}

// Depth is the number of layers, 0 for an empty tree
func (t *Tree) Depth() int {
	return len(t.layers)
}

// Root is shorthand for Build(blocks).Root()
func Root(blocks []string) (string, bool) {
	return Build(blocks).Root()
}

// RootOfHashes is shorthand for FromHashes(hashes).Root()
func RootOfHashes(hashes []string) (string, bool) {
	return FromHashes(hashes).Root()
}
