package ddml

import (
	"bytes"
	"compress/flate"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bfffs/bfffs/cluster"
	"github.com/bfffs/bfffs/common"
	"github.com/bfffs/bfffs/internal/cache"
	"github.com/bfffs/bfffs/internal/codec"
	"github.com/bfffs/bfffs/mirror"
	"github.com/bfffs/bfffs/pool"
	"github.com/bfffs/bfffs/raid"
	"github.com/bfffs/bfffs/vdev"
)

func newTestDDML(t *testing.T) *DDML {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vdev0")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(4*256*common.BytesPerLba))
	require.NoError(t, f.Close())

	vf, err := vdev.Create(path, vdev.Config{LbasPerZone: 256})
	require.NoError(t, err)
	t.Cleanup(func() { vf.Close() })

	m, err := mirror.Open(nil, vf)
	require.NoError(t, err)
	c := cluster.Open(raid.NewNull(m))
	p := pool.New("test", []*cluster.Cluster{c})
	return New(p, cache.New(1<<20, 1<<20))
}

// bytesCodec round-trips a value as opaque bytes, the same shape Put/Get
// are exercised with below.
type bytesValueCodec struct{}

func (bytesValueCodec) Marshal(v []byte) ([]byte, error)   { return v, nil }
func (bytesValueCodec) Unmarshal(b []byte) ([]byte, error) { return append([]byte(nil), b...), nil }

func TestPutGetRoundTripUncompressed(t *testing.T) {
	d := newTestDDML(t)
	ctx := context.Background()

	value := bytes.Repeat([]byte{0xAB}, 128)
	drp, err := Put(ctx, d, value, bytesValueCodec{}, codec.ModeNone, 1)
	require.NoError(t, err)
	assert.False(t, drp.Compressed)

	got, err := Get(ctx, d, drp, bytesValueCodec{})
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestPutGetRoundTripCompressed(t *testing.T) {
	d := newTestDDML(t)
	ctx := context.Background()

	// Highly compressible and large enough (> one LBA) that snappy saves a
	// whole LBA, so Put actually takes the compressed path.
	value := bytes.Repeat([]byte("the quick brown fox "), 1000)
	drp, err := Put(ctx, d, value, bytesValueCodec{}, codec.ModeSnappy, 1)
	require.NoError(t, err)
	require.True(t, drp.Compressed)

	got, err := Get(ctx, d, drp, bytesValueCodec{})
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

// testLZ4Codec stands in for a real LZ4 binding: a distinct, genuinely
// size-reducing algorithm (DEFLATE) so the stored bytes are byte-for-byte
// different from what snappyCodec would have produced for the same input,
// registered under ModeLZ4 to exercise the self-describing mode dispatch.
type testLZ4Codec struct{}

func (testLZ4Codec) Compress(dst, src []byte) []byte {
	var buf bytes.Buffer
	w, _ := flate.NewWriter(&buf, flate.BestCompression)
	_, _ = w.Write(src)
	_ = w.Close()
	return buf.Bytes()
}

func (testLZ4Codec) Decompress(dst, src []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	return io.ReadAll(r)
}

// TestDecompressDispatchesOnStoredMode guards against reintroducing a
// hardcoded codec.ModeSnappy in readVerifyDecompress: a record written
// with one registered codec must only ever decompress correctly under the
// mode tag recorded alongside its bytes, not whichever mode happens to be
// tried first.
func TestDecompressDispatchesOnStoredMode(t *testing.T) {
	codec.Register(codec.ModeLZ4, testLZ4Codec{})
	d := newTestDDML(t)
	ctx := context.Background()

	value := bytes.Repeat([]byte("the quick brown fox "), 1000)

	lz4Drp, err := Put(ctx, d, value, bytesValueCodec{}, codec.ModeLZ4, 1)
	require.NoError(t, err)
	require.True(t, lz4Drp.Compressed)

	snappyDrp, err := Put(ctx, d, value, bytesValueCodec{}, codec.ModeSnappy, 2)
	require.NoError(t, err)
	require.True(t, snappyDrp.Compressed)

	// Put leaves both values in the hot cache; evict them so the Gets
	// below read, verify and decompress the stored bytes.
	d.Evict(lz4Drp)
	d.Evict(snappyDrp)

	gotLZ4, err := Get(ctx, d, lz4Drp, bytesValueCodec{})
	require.NoError(t, err)
	assert.Equal(t, value, gotLZ4)

	gotSnappy, err := Get(ctx, d, snappyDrp, bytesValueCodec{})
	require.NoError(t, err)
	assert.Equal(t, value, gotSnappy)
}

// TestGetPopulatesBlobTierThenServesFromIt exercises the fastcache-backed
// blob tier wired into readVerifyDecompress: a second Get of the same DRP
// must still return the correct bytes whether or not it was served from
// the blob tier, and GetDirect (the cleaner's path) shares the same cache.
func TestGetPopulatesBlobTierThenServesFromIt(t *testing.T) {
	d := newTestDDML(t)
	ctx := context.Background()

	value := bytes.Repeat([]byte{0x11}, 64)
	drp, err := Put(ctx, d, value, bytesValueCodec{}, codec.ModeNone, 1)
	require.NoError(t, err)
	// Put leaves the value in the hot cache; evict it so Get goes through
	// readVerifyDecompress and fills the blob tier.
	d.Evict(drp)

	got1, err := Get(ctx, d, drp, bytesValueCodec{})
	require.NoError(t, err)
	assert.Equal(t, value, got1)
	_, inBlobTier := d.cache.GetBlob(cache.PbaKey(drp.Pba))
	assert.True(t, inBlobTier)

	got2, err := GetDirect(ctx, d, drp, bytesValueCodec{})
	require.NoError(t, err)
	assert.Equal(t, value, got2)
}
