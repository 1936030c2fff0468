package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_SecondProcessRejected(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	require.NoError(t, err)
	defer s1.Close()

	_, err = Open(dir)
	assert.Error(t, err, "a second Open on the same datadir must fail")
}

func TestSaveLoadState_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	raw := []byte(`{"blocks":[],"accounts":{},"mempool":[]}`)
	require.NoError(t, s.SaveState(raw))

	got, ok, err := s.LoadState()
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, string(raw), string(got))

	assert.FileExists(t, filepath.Join(dir, stateFile))
}

func TestLoadState_MissingFileReportsNotExists(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	_, ok, err := s.LoadState()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveLoadPayments_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	type intent struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	want := map[string]intent{"p1": {ID: "p1", Status: "pending"}}
	require.NoError(t, s.SavePayments(want))

	var got map[string]intent
	ok, err := s.LoadPayments(&got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}
