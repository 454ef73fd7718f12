package resumer

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func open(t *testing.T) *Resumer {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "resume.db"))
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestReadMissingReturnsNil(t *testing.T) {
	r := open(t)
	spec, err := r.Read([20]byte{1})
	require.NoError(t, err)
	require.Nil(t, spec)
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	r := open(t)
	hash := [20]byte{1, 2, 3}
	in := &Spec{
		InfoHash:   hash,
		Bitfield:   []byte{0xFF, 0xC0},
		NumPieces:  10,
		Downloaded: 1024,
		Uploaded:   512,
		Port:       6881,
		Peers:      []string{"10.0.0.1:6881"},
	}
	require.NoError(t, r.Write(in))
	require.NotEmpty(t, in.ID, "Write should mint an ID when absent")

	out, err := r.Read(hash)
	require.NoError(t, err)
	require.Equal(t, in.ID, out.ID)
	require.Equal(t, in.Bitfield, out.Bitfield)
	require.EqualValues(t, 1024, out.Downloaded)
	require.Equal(t, []string{"10.0.0.1:6881"}, out.Peers)
}

func TestWritePreservesExistingID(t *testing.T) {
	r := open(t)
	hash := [20]byte{9}
	require.NoError(t, r.Write(&Spec{InfoHash: hash, Downloaded: 1}))
	first, err := r.Read(hash)
	require.NoError(t, err)

	require.NoError(t, r.Write(&Spec{InfoHash: hash, ID: first.ID, Downloaded: 2}))
	second, err := r.Read(hash)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.EqualValues(t, 2, second.Downloaded)
}

func TestDeleteRemovesState(t *testing.T) {
	r := open(t)
	hash := [20]byte{5}
	require.NoError(t, r.Write(&Spec{InfoHash: hash}))
	require.NoError(t, r.Delete(hash))

	out, err := r.Read(hash)
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestListReturnsAllPersistedHashes(t *testing.T) {
	r := open(t)
	h1, h2 := [20]byte{1}, [20]byte{2}
	require.NoError(t, r.Write(&Spec{InfoHash: h1}))
	require.NoError(t, r.Write(&Spec{InfoHash: h2}))

	hashes, err := r.List()
	require.NoError(t, err)
	require.Len(t, hashes, 2)
	require.Contains(t, hashes, h1)
	require.Contains(t, hashes, h2)
}
