package subscription_test

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/dyadcast/pkg/dyadic"
	"github.com/relves/dyadcast/pkg/frame"
	"github.com/relves/dyadcast/pkg/kdf"
	"github.com/relves/dyadcast/pkg/subscription"
)

var secret = kdf.Secret("super secret secrets")

func TestBuild_KeysMatchDecomposition(t *testing.T) {
	sub, err := subscription.Build(secret, 1, 3, 1234, 5678)
	require.NoError(t, err)

	blocks, err := dyadic.Decompose(1234, 5678)
	require.NoError(t, err)
	require.Len(t, sub.Entries, len(blocks))

	for i, blk := range blocks {
		e := sub.Entries[i]
		assert.Equal(t, blk.Level, e.Level)
		assert.Equal(t, blk.Start(), e.BlockStart)
		assert.Equal(t, kdf.DeriveKey(secret, blk.Start(), blk.Level, 3, 1), e.Key)
	}
}

func TestBuild_InvalidRange(t *testing.T) {
	_, err := subscription.Build(secret, 1, 1, 10, 9)
	assert.ErrorIs(t, err, dyadic.ErrInvalidRange)
}

func TestDecrypt_InsideAndOutsideWindow(t *testing.T) {
	const (
		start, end = 1234, 5678
		channel    = 1
		deviceID   = 1
	)
	sub, err := subscription.Build(secret, deviceID, channel, start, end)
	require.NoError(t, err)

	plaintext := []byte("This is a test frame. It's size is 64 bytes. SUPER SECRET!!!!!!!")

	for _, ts := range []uint64{start, (start + end) / 2, end, 4095, 4096} {
		ef, err := frame.Encode(plaintext, secret, channel, ts, deviceID)
		require.NoError(t, err)

		got, err := sub.Decrypt(&ef, channel, ts)
		require.NoError(t, err, "timestamp %d", ts)
		assert.Equal(t, plaintext, got)
	}

	for _, ts := range []uint64{start - 1, end + 1} {
		ef, err := frame.Encode(plaintext, secret, channel, ts, deviceID)
		require.NoError(t, err)
		_, err = sub.Decrypt(&ef, channel, ts)
		assert.ErrorIs(t, err, subscription.ErrLookupMiss, "timestamp %d", ts)
	}

	ef, err := frame.Encode(plaintext, secret, channel+1, start, deviceID)
	require.NoError(t, err)
	_, err = sub.Decrypt(&ef, channel+1, start)
	assert.ErrorIs(t, err, subscription.ErrLookupMiss)
}

func TestDecrypt_OtherDeviceCannotUseKeys(t *testing.T) {
	sub, err := subscription.Build(secret, 1, 1, 0, 100)
	require.NoError(t, err)

	ef, err := frame.Encode([]byte("for device 2"), secret, 1, 50, 2)
	require.NoError(t, err)

	_, err = sub.Decrypt(&ef, 1, 50)
	assert.ErrorIs(t, err, frame.ErrAuthentication)
}

func TestKeyFor_EveryInstantOfSmallWindow(t *testing.T) {
	sub, err := subscription.Build(secret, 9, 2, 3, 300)
	require.NoError(t, err)

	for ts := uint64(3); ts <= 300; ts++ {
		e, err := sub.KeyFor(2, ts)
		require.NoError(t, err)
		assert.True(t, e.Block().Contains(ts))
		assert.Equal(t, kdf.DeriveKey(secret, dyadic.BlockStart(ts, e.Level), e.Level, 2, 9), e.Key)
	}
}

func TestKeyFor_WholeAxis(t *testing.T) {
	sub, err := subscription.Build(secret, 1, 0, 0, math.MaxUint64)
	require.NoError(t, err)
	require.Len(t, sub.Entries, 2)

	e, err := sub.KeyFor(0, math.MaxUint64)
	require.NoError(t, err)
	assert.Equal(t, dyadic.MaxLevel, e.Level)
	assert.Equal(t, uint64(1)<<63, e.BlockStart)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	sub, err := subscription.Build(secret, 77, 4, 2000000000, math.MaxUint64)
	require.NoError(t, err)

	deviceKey, err := kdf.DeviceKey(secret, 77)
	require.NoError(t, err)

	data, err := sub.Seal(deviceKey)
	require.NoError(t, err)

	h, err := subscription.PeekHeader(data)
	require.NoError(t, err)
	assert.Equal(t, subscription.Header{DeviceID: 77, Channel: 4, Start: 2000000000, End: math.MaxUint64}, h)

	opened, err := subscription.Open(deviceKey, data)
	require.NoError(t, err)
	assert.Equal(t, sub, opened)
}

func TestOpen_WrongDeviceKey(t *testing.T) {
	sub, err := subscription.Build(secret, 77, 4, 10, 20)
	require.NoError(t, err)
	deviceKey, err := kdf.DeviceKey(secret, 77)
	require.NoError(t, err)
	otherKey, err := kdf.DeviceKey(secret, 78)
	require.NoError(t, err)

	data, err := sub.Seal(deviceKey)
	require.NoError(t, err)

	_, err = subscription.Open(otherKey, data)
	assert.ErrorIs(t, err, subscription.ErrPackageAuth)
}

func TestOpen_TamperedHeaderOrBody(t *testing.T) {
	sub, err := subscription.Build(secret, 5, 1, 10, 20)
	require.NoError(t, err)
	deviceKey, err := kdf.DeviceKey(secret, 5)
	require.NoError(t, err)
	data, err := sub.Seal(deviceKey)
	require.NoError(t, err)

	// widen the advertised window
	tampered := append([]byte(nil), data...)
	tampered[13] = 0xff
	_, err = subscription.Open(deviceKey, tampered)
	assert.ErrorIs(t, err, subscription.ErrPackageAuth)

	tampered = append([]byte(nil), data...)
	tampered[len(tampered)-1] ^= 0x80
	_, err = subscription.Open(deviceKey, tampered)
	assert.ErrorIs(t, err, subscription.ErrPackageAuth)

	_, err = subscription.Open(deviceKey, data[:subscription.HeaderSize])
	assert.ErrorIs(t, err, subscription.ErrMalformedPackage)
}

func TestOpen_RejectsNonCanonicalEntries(t *testing.T) {
	sub, err := subscription.Build(secret, 5, 1, 0, 10)
	require.NoError(t, err)
	// swap the first block for two halves of it
	sub.Entries[0] = subscription.Entry{Level: 2, BlockStart: 0}

	deviceKey, err := kdf.DeviceKey(secret, 5)
	require.NoError(t, err)
	data, err := sub.Seal(deviceKey)
	require.NoError(t, err)

	_, err = subscription.Open(deviceKey, data)
	assert.ErrorIs(t, err, subscription.ErrMalformedPackage)
}

func TestBuildBatch(t *testing.T) {
	reqs := []subscription.Request{
		{DeviceID: 1, Channel: 1, Start: 0, End: 10},
		{DeviceID: 2, Channel: 1, Start: 100, End: 1000},
		{DeviceID: 3, Channel: 2, Start: 5, End: 5},
	}
	subs, err := subscription.BuildBatch(context.Background(), secret, reqs, 2)
	require.NoError(t, err)
	require.Len(t, subs, len(reqs))

	for i, req := range reqs {
		assert.Equal(t, req.DeviceID, subs[i].DeviceID)
		assert.Equal(t, req.Start, subs[i].Start)
		assert.Equal(t, req.End, subs[i].End)
	}

	_, err = subscription.BuildBatch(context.Background(), secret, []subscription.Request{{Start: 2, End: 1}}, 0)
	assert.ErrorIs(t, err, dyadic.ErrInvalidRange)
}
