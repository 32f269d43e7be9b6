package headend_test

import (
	"context"
	"crypto/ed25519"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/dyadcast/internal/storage/sqlite"
	"github.com/relves/dyadcast/pkg/decoder"
	"github.com/relves/dyadcast/pkg/frame"
	"github.com/relves/dyadcast/pkg/headend"
	"github.com/relves/dyadcast/pkg/kdf"
	"github.com/relves/dyadcast/pkg/ledger"
	"github.com/relves/dyadcast/pkg/subscription"
)

var secret = kdf.Secret("headend test secret, 32 bytes!!")

func setup(t *testing.T) (*headend.Service, *sqlite.StoreManager) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "headend-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	stores := sqlite.NewStoreManager(tmpDir)
	t.Cleanup(func() { stores.CloseAll() })

	ledgerStore, err := stores.Ledger()
	require.NoError(t, err)
	l, err := ledger.Open(context.Background(), ledgerStore, nil)
	require.NoError(t, err)

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	signer, err := headend.NewSigner(priv, "")
	require.NoError(t, err)

	svc, err := headend.New(headend.Config{
		Secret: secret,
		Signer: signer,
		Ledger: l,
		Channels: []headend.Channel{
			{ID: 1, Name: "news"},
			{ID: 3, Name: "sports"},
		},
		Workers: 2,
	})
	require.NoError(t, err)
	return svc, stores
}

func newDecoder(t *testing.T, svc *headend.Service, stores *sqlite.StoreManager, deviceID uint32) *decoder.Decoder {
	t.Helper()
	store, err := stores.DecoderStore(deviceID)
	require.NoError(t, err)
	deviceKey, err := kdf.DeviceKey(secret, deviceID)
	require.NoError(t, err)
	dec, err := decoder.New(decoder.Config{
		DeviceID:  deviceID,
		DeviceKey: deviceKey,
		Store:     store,
		Verifier:  svc.Signer().PublicKey(),
	})
	require.NoError(t, err)
	require.NoError(t, dec.Provision(context.Background(), secret))
	return dec
}

func TestService_EndToEnd(t *testing.T) {
	ctx := context.Background()
	svc, stores := setup(t)
	dec := newDecoder(t, svc, stores, 0xdeadbeef)

	issued, err := svc.IssueSubscription(ctx, 0xdeadbeef, 1, 1000, 2000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), issued.Index)
	assert.NotEmpty(t, issued.CID)

	h, err := dec.Subscribe(ctx, issued.Package)
	require.NoError(t, err)
	assert.Equal(t, issued.Header, *h)

	packets, err := svc.EncodeFrame(ctx, 1, 1500, []uint32{0xdeadbeef}, []byte("hello subscribers"))
	require.NoError(t, err)
	require.Len(t, packets, 1)

	got, err := dec.Decode(ctx, packets[0].Data)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello subscribers"), got)

	packets, err = svc.EncodeFrame(ctx, 1, 2500, []uint32{0xdeadbeef}, []byte("after expiry"))
	require.NoError(t, err)
	_, err = dec.Decode(ctx, packets[0].Data)
	assert.ErrorIs(t, err, subscription.ErrLookupMiss)
}

func TestService_EncodeFramePerDevice(t *testing.T) {
	ctx := context.Background()
	svc, stores := setup(t)
	devices := []uint32{1, 2, 3, 4}

	packets, err := svc.EncodeFrame(ctx, subscription.EmergencyChannel, math.MaxUint64, devices, []byte("evacuate"))
	require.NoError(t, err)
	require.Len(t, packets, len(devices))

	for i, id := range devices {
		assert.Equal(t, id, packets[i].DeviceID)

		p, err := frame.ParsePacket(packets[i].Data)
		require.NoError(t, err)
		assert.True(t, ed25519.Verify(svc.Signer().PublicKey(), packets[i].Data[:frame.SignedLen(packets[i].Data)], p.Signature))

		got, err := newDecoder(t, svc, stores, id).Decode(ctx, packets[i].Data)
		require.NoError(t, err)
		assert.Equal(t, []byte("evacuate"), got)
	}

	// another device's packet fails authentication
	_, err = newDecoder(t, svc, stores, 9).Decode(ctx, packets[0].Data)
	assert.ErrorIs(t, err, frame.ErrAuthentication)
}

func TestService_UnknownAndReservedChannels(t *testing.T) {
	ctx := context.Background()
	svc, _ := setup(t)

	_, err := svc.IssueSubscription(ctx, 1, 2, 0, 10)
	assert.ErrorIs(t, err, headend.ErrUnknownChannel)

	_, err = svc.IssueSubscription(ctx, 1, subscription.EmergencyChannel, 0, 10)
	assert.ErrorIs(t, err, subscription.ErrReservedChannel)

	_, err = svc.EncodeFrame(ctx, 2, 10, []uint32{1}, []byte("x"))
	assert.ErrorIs(t, err, headend.ErrUnknownChannel)

	_, err = svc.EncodeFrame(ctx, 1, 10, nil, []byte("x"))
	assert.ErrorIs(t, err, headend.ErrNoDevices)

	_, err = svc.EncodeFrame(ctx, 1, 10, []uint32{1}, make([]byte, frame.MaxFrameSize+1))
	assert.ErrorIs(t, err, frame.ErrFrameTooLarge)
}

func TestService_IssueInvalidRange(t *testing.T) {
	svc, _ := setup(t)
	_, err := svc.IssueSubscription(context.Background(), 1, 1, 10, 9)
	assert.Error(t, err)
	assert.Equal(t, uint64(0), svc.Head().Size)
}

func TestService_LedgerRecordsIssuances(t *testing.T) {
	ctx := context.Background()
	svc, _ := setup(t)

	var cids []string
	for i := range 3 {
		issued, err := svc.IssueSubscription(ctx, uint32(i), 3, 0, uint64(100*(i+1)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), issued.Index)
		assert.Equal(t, issued.Root, svc.Head().Root)
		cids = append(cids, issued.CID)
	}
	assert.Equal(t, uint64(3), svc.Head().Size)

	rec, err := svc.Lookup(ctx, cids[1])
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Index)
	assert.Equal(t, uint32(1), rec.Header.DeviceID)
	assert.Equal(t, uint64(200), rec.Header.End)
}

func TestService_Channels(t *testing.T) {
	svc, _ := setup(t)
	assert.Equal(t, []headend.Channel{
		{ID: 0, Name: "emergency"},
		{ID: 1, Name: "news"},
		{ID: 3, Name: "sports"},
	}, svc.Channels())
}

func TestSigner(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	s1, err := headend.NewSigner(priv, "a")
	require.NoError(t, err)
	s2, err := headend.NewSigner(priv, "b")
	require.NoError(t, err)
	assert.NotEqual(t, s1.KeyID(), s2.KeyID())
	assert.True(t, ed25519.Verify(s1.PublicKey(), []byte("m"), s1.Sign([]byte("m"))))

	_, err = headend.NewSigner(priv[:10], "")
	assert.Error(t, err)
}
