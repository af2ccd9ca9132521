package assemble

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"segment-streamer/internal/store"
	"segment-streamer/pkg/types"
)

const testAsset = "AAAAAAAAAAA"

func writeSegments(t *testing.T, st *store.Store, indexes ...int) [][]byte {
	t.Helper()
	var payloads [][]byte
	for _, n := range indexes {
		data := []byte(fmt.Sprintf("segment-%d-data|", n))
		_, err := st.Write(testAsset, n, bytes.NewReader(data))
		require.NoError(t, err)
		payloads = append(payloads, data)
	}
	return payloads
}

func TestAssembleByteConcat(t *testing.T) {
	st := store.New(t.TempDir())
	payloads := writeSegments(t, st, 0, 1, 2, 3)

	a := New(st, "", 4)
	out, err := a.Assemble(context.Background(), testAsset, 4)
	require.NoError(t, err)
	require.True(t, st.HasComplete(testAsset))

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(payloads, nil), got, "segments joined in index order")
}

func TestAssembleIsIdempotent(t *testing.T) {
	st := store.New(t.TempDir())
	writeSegments(t, st, 0, 1, 2, 3)

	a := New(st, "", 4)
	out1, err := a.Assemble(context.Background(), testAsset, 4)
	require.NoError(t, err)

	// Mutate the assembled file; a second call must return it untouched
	// rather than rebuild.
	require.NoError(t, os.WriteFile(out1, []byte("sentinel"), 0o644))
	out2, err := a.Assemble(context.Background(), testAsset, 4)
	require.NoError(t, err)
	assert.Equal(t, out1, out2)

	got, err := os.ReadFile(out2)
	require.NoError(t, err)
	assert.Equal(t, []byte("sentinel"), got)
}

func TestAssembleRefusesShortPrefix(t *testing.T) {
	st := store.New(t.TempDir())
	writeSegments(t, st, 0, 1, 2)

	a := New(st, "", 4)
	_, err := a.Assemble(context.Background(), testAsset, 0)
	assert.ErrorIs(t, err, ErrAssemblyFailed)
	assert.False(t, st.HasComplete(testAsset))
}

func TestAssembleRefusesIncompleteKnownTotal(t *testing.T) {
	st := store.New(t.TempDir())
	writeSegments(t, st, 0, 1, 2, 3, 4)

	a := New(st, "", 4)
	_, err := a.Assemble(context.Background(), testAsset, 8)
	assert.ErrorIs(t, err, ErrAssemblyFailed)
	assert.False(t, st.HasComplete(testAsset), "no speculative truncated file")
}

func TestAssembleRefusesGapInMiddle(t *testing.T) {
	st := store.New(t.TempDir())
	// Segment 1 missing while later segments exist: joining the prefix
	// would silently drop audio from the middle.
	writeSegments(t, st, 0, 2, 3, 4, 5)

	a := New(st, "", 1)
	_, err := a.Assemble(context.Background(), testAsset, 0)
	assert.ErrorIs(t, err, ErrAssemblyFailed)
	assert.False(t, st.HasComplete(testAsset))
}

func TestAssembleUnknownTotalUsesPrefix(t *testing.T) {
	st := store.New(t.TempDir())
	payloads := writeSegments(t, st, 0, 1, 2, 3, 4)

	a := New(st, "", 4)
	out, err := a.Assemble(context.Background(), testAsset, 0)
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(payloads, nil), got)
}

func TestAssembleRejectsInvalidID(t *testing.T) {
	a := New(store.New(t.TempDir()), "", 4)
	_, err := a.Assemble(context.Background(), "nope", 0)
	assert.ErrorIs(t, err, types.ErrInvalidAssetID)
}

func TestAssembleBadFFmpegFallsBackToBytes(t *testing.T) {
	st := store.New(t.TempDir())
	payloads := writeSegments(t, st, 0, 1, 2, 3)

	a := New(st, "/nonexistent/ffmpeg-binary", 4)
	out, err := a.Assemble(context.Background(), testAsset, 4)
	require.NoError(t, err, "byte concat covers for a broken ffmpeg")

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, bytes.Join(payloads, nil), got)
}
