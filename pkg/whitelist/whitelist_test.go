package whitelist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOfflineUUID(t *testing.T) {
	assert.Equal(t, "b50ad385-829d-3141-a216-7e7d7539ba7f", OfflineUUID("Notch").String())
	assert.Equal(t, "40f5db53-a47a-33ee-b1f6-db0e20deded4", OfflineUUID("alice").String())

	u := OfflineUUID("bob")
	assert.Equal(t, uuid.Version(3), u.Version())
	assert.Equal(t, uuid.RFC4122, u.Variant())
	assert.Equal(t, u, OfflineUUID("bob"))
	assert.NotEqual(t, u, OfflineUUID("Bob"))
}

func TestKeyUUID(t *testing.T) {
	assert.Equal(t, "8558d34a-d3c6-5881-a6e3-bf8f3e6110ea", KeyUUID([]byte("x")).String())
}

func TestWhitelistAddAllowed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist.json")
	w, err := Open(path, true)
	require.NoError(t, err)
	assert.False(t, w.Allowed(OfflineProfile("alice")))

	require.NoError(t, w.Add(OfflineProfile("alice")))
	assert.True(t, w.Allowed(OfflineProfile("alice")))
	// the name alone is not enough
	assert.False(t, w.Allowed(Profile{Name: "alice", UUID: KeyUUID([]byte("key"))}))
	assert.False(t, w.Allowed(OfflineProfile("bob")))

	w2, err := Open(path, true)
	require.NoError(t, err)
	assert.Equal(t, []Profile{OfflineProfile("alice")}, w2.List())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"uuid": "40f5db53-a47a-33ee-b1f6-db0e20deded4"`)
	assert.Contains(t, string(b), `"name": "alice"`)
}

func TestWhitelistRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist.json")
	w, err := Open(path, true)
	require.NoError(t, err)
	require.NoError(t, w.Add(OfflineProfile("alice")))

	p, ok, err := w.Remove("alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "alice", p.Name)
	assert.False(t, w.Allowed(OfflineProfile("alice")))

	_, ok, err = w.Remove("alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWhitelistDisabled(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "whitelist.json"), false)
	require.NoError(t, err)
	assert.False(t, w.Enabled())
	assert.True(t, w.Allowed(OfflineProfile("anyone")))
}

func TestWhitelistAddSaveFailure(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "missing", "whitelist.json"), true)
	require.NoError(t, err)
	assert.Error(t, w.Add(OfflineProfile("alice")))
	assert.Empty(t, w.List())
}

func TestOpenCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := Open(path, true)
	assert.Error(t, err)
}
