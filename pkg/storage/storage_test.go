package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetNodeRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	type rec struct{ Name string }
	require.NoError(t, s.PutNode("n1", rec{Name: "alpha"}))

	var got rec
	require.NoError(t, s.GetNode("n1", &got))
	assert.Equal(t, "alpha", got.Name)

	ids, err := s.ListNodeIDs()
	require.NoError(t, err)
	assert.Contains(t, ids, "n1")

	require.NoError(t, s.DeleteNode("n1"))
	_, err = s.ListNodeIDs()
	require.NoError(t, err)
}

func TestGetMissingKeyErrors(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	var out map[string]string
	err = s.GetNode("missing", &out)
	assert.Error(t, err)
}
