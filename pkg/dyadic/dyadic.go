// Package dyadic decomposes ranges of the 64-bit time axis into canonical
// power-of-two aligned blocks.
//
// A block at level L covers 2^L consecutive instants starting at a multiple
// of 2^L. Any closed interval [a, b] has exactly one canonical covering:
// walking from a, each block is the largest aligned block that starts at the
// cursor and does not run past b.
package dyadic

import (
	"errors"
	"fmt"
)

const (
	// MaxLevel is the coarsest level. A level-63 block covers half the axis.
	MaxLevel uint8 = 63

	// NumLevels is the number of distinct levels, 0 through MaxLevel.
	NumLevels = int(MaxLevel) + 1

	// MaxBlocks bounds the length of any canonical covering. The worst case
	// is an interval like [1, 2^64-2]: one ascending run of levels 0..62
	// followed by a descending run 62..0.
	MaxBlocks = 2*NumLevels - 2
)

// ErrInvalidRange is returned when the start of a range lies after its end.
var ErrInvalidRange = errors.New("invalid range: start after end")

// Block is one canonical aligned interval of the time axis.
type Block struct {
	Level uint8
	Index uint64
}

// Start returns the first instant covered by the block.
func (b Block) Start() uint64 {
	return b.Index << b.Level
}

// Last returns the last instant covered by the block (inclusive).
func (b Block) Last() uint64 {
	return b.Start() | span(b.Level)
}

// Contains reports whether t falls inside the block.
func (b Block) Contains(t uint64) bool {
	return t>>b.Level == b.Index
}

func (b Block) String() string {
	return fmt.Sprintf("L%d[%d-%d]", b.Level, b.Start(), b.Last())
}

// BlockStart returns t with its lowest level bits cleared, the start of the
// level-aligned block containing t.
func BlockStart(t uint64, level uint8) uint64 {
	return (t >> level) << level
}

// BlockAt returns the level-aligned block containing t.
func BlockAt(t uint64, level uint8) Block {
	return Block{Level: level, Index: t >> level}
}

// Decompose returns the canonical covering of [a, b] in increasing order.
// The blocks are pairwise disjoint and their union is exactly [a, b].
func Decompose(a, b uint64) ([]Block, error) {
	if a > b {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, a, b)
	}

	var blocks []Block
	for {
		level := uint8(0)
		for level < MaxLevel && fits(a, b, level+1) {
			level++
		}

		blk := Block{Level: level, Index: a >> level}
		blocks = append(blocks, blk)

		last := blk.Last()
		if last >= b {
			// last == b here; stopping before a = last+1 keeps a block
			// ending at 2^64-1 from wrapping the cursor to zero.
			return blocks, nil
		}
		a = last + 1
	}
}

// fits reports whether the level-aligned block starting at a exists and
// stays within [a, b].
func fits(a, b uint64, level uint8) bool {
	s := span(level)
	return a&s == 0 && a|s <= b
}

// span is the offset of the last instant in a level block, 2^level - 1.
func span(level uint8) uint64 {
	return uint64(1)<<level - 1
}
