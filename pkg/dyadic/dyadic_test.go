package dyadic_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/dyadcast/pkg/dyadic"
)

// checkCovering asserts the blocks tile [a, b] exactly, in order, and that
// each block is the largest aligned block that fits at its start.
func checkCovering(t *testing.T, a, b uint64, blocks []dyadic.Block) {
	t.Helper()
	require.NotEmpty(t, blocks)
	require.LessOrEqual(t, len(blocks), dyadic.MaxBlocks)

	cursor := a
	for i, blk := range blocks {
		require.LessOrEqual(t, blk.Level, dyadic.MaxLevel)
		require.Equal(t, cursor, blk.Start(), "block %d (%s) does not start at cursor", i, blk)
		require.LessOrEqual(t, blk.Last(), b, "block %d (%s) runs past end", i, blk)

		if blk.Level < dyadic.MaxLevel {
			next := blk.Level + 1
			mask := uint64(1)<<next - 1
			grows := blk.Start()&mask == 0 && blk.Start()|mask <= b
			require.False(t, grows, "block %d (%s) is not maximal", i, blk)
		}

		if i == len(blocks)-1 {
			require.Equal(t, b, blk.Last())
			return
		}
		cursor = blk.Last() + 1
	}
}

func TestDecompose_SmallRange(t *testing.T) {
	blocks, err := dyadic.Decompose(0, 10)
	require.NoError(t, err)

	assert.Equal(t, []dyadic.Block{
		{Level: 3, Index: 0},  // 0-7
		{Level: 1, Index: 4},  // 8-9
		{Level: 0, Index: 10}, // 10
	}, blocks)
	checkCovering(t, 0, 10, blocks)
}

func TestDecompose_SingleInstant(t *testing.T) {
	blocks, err := dyadic.Decompose(12345, 12345)
	require.NoError(t, err)
	assert.Equal(t, []dyadic.Block{{Level: 0, Index: 12345}}, blocks)
}

func TestDecompose_AlignedBlock(t *testing.T) {
	blocks, err := dyadic.Decompose(1024, 2047)
	require.NoError(t, err)
	assert.Equal(t, []dyadic.Block{{Level: 10, Index: 1}}, blocks)
}

func TestDecompose_InvalidRange(t *testing.T) {
	_, err := dyadic.Decompose(11, 10)
	assert.ErrorIs(t, err, dyadic.ErrInvalidRange)
}

func TestDecompose_WholeAxis(t *testing.T) {
	blocks, err := dyadic.Decompose(0, math.MaxUint64)
	require.NoError(t, err)

	assert.Equal(t, []dyadic.Block{
		{Level: 63, Index: 0},
		{Level: 63, Index: 1},
	}, blocks)
	checkCovering(t, 0, math.MaxUint64, blocks)
}

func TestDecompose_ToEndOfAxis(t *testing.T) {
	blocks, err := dyadic.Decompose(2000000000, math.MaxUint64)
	require.NoError(t, err)
	checkCovering(t, 2000000000, math.MaxUint64, blocks)
	assert.LessOrEqual(t, len(blocks), dyadic.NumLevels)
}

func TestDecompose_LastInstant(t *testing.T) {
	blocks, err := dyadic.Decompose(math.MaxUint64, math.MaxUint64)
	require.NoError(t, err)
	assert.Equal(t, []dyadic.Block{{Level: 0, Index: math.MaxUint64}}, blocks)
}

func TestDecompose_WorstCase(t *testing.T) {
	blocks, err := dyadic.Decompose(1, math.MaxUint64-1)
	require.NoError(t, err)
	checkCovering(t, 1, math.MaxUint64-1, blocks)
	assert.Len(t, blocks, dyadic.MaxBlocks)
}

func TestDecompose_AnchoredRangesStayWithinLevelCount(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 500; i++ {
		x := rng.Uint64()

		fromZero, err := dyadic.Decompose(0, x)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(fromZero), dyadic.NumLevels)

		toEnd, err := dyadic.Decompose(x, math.MaxUint64)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(toEnd), dyadic.NumLevels)
	}
}

func TestDecompose_RandomRanges(t *testing.T) {
	rng := rand.New(rand.NewPCG(42, 7))
	for i := 0; i < 2000; i++ {
		a, b := rng.Uint64(), rng.Uint64()
		if i%3 == 0 {
			// keep some ranges short so low levels get exercised
			b = a + rng.Uint64N(5000)
			if b < a {
				b = math.MaxUint64
			}
		}
		if a > b {
			a, b = b, a
		}

		blocks, err := dyadic.Decompose(a, b)
		require.NoError(t, err)
		checkCovering(t, a, b, blocks)
	}
}

func TestDecompose_ExhaustiveSmallDomain(t *testing.T) {
	for a := uint64(0); a < 70; a++ {
		for b := a; b < 70; b++ {
			blocks, err := dyadic.Decompose(a, b)
			require.NoError(t, err)
			checkCovering(t, a, b, blocks)

			covered := make(map[uint64]int)
			for _, blk := range blocks {
				for x := blk.Start(); x <= blk.Last(); x++ {
					covered[x]++
				}
			}
			require.Len(t, covered, int(b-a+1))
			for x, n := range covered {
				require.Equal(t, 1, n, "instant %d covered %d times", x, n)
			}
		}
	}
}

func TestBlockStart(t *testing.T) {
	assert.Equal(t, uint64(12345), dyadic.BlockStart(12345, 0))
	assert.Equal(t, uint64(12344), dyadic.BlockStart(12345, 3))
	assert.Equal(t, uint64(0), dyadic.BlockStart(12345, 63))
	assert.Equal(t, uint64(1)<<63, dyadic.BlockStart(math.MaxUint64, 63))
}

func TestBlock_Contains(t *testing.T) {
	blk := dyadic.BlockAt(12345, 4)
	assert.Equal(t, uint64(12336), blk.Start())
	assert.Equal(t, uint64(12351), blk.Last())
	assert.True(t, blk.Contains(12336))
	assert.True(t, blk.Contains(12351))
	assert.False(t, blk.Contains(12335))
	assert.False(t, blk.Contains(12352))

	top := dyadic.BlockAt(0, dyadic.MaxLevel)
	assert.True(t, top.Contains(12345))
	assert.False(t, top.Contains(math.MaxUint64))
}
