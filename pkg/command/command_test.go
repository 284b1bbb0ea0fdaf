package command

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/hellomouse/skipauth/pkg/metrics"
	"github.com/hellomouse/skipauth/pkg/registry"
	"github.com/hellomouse/skipauth/pkg/whitelist"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newCommands(t *testing.T) *Commands {
	t.Helper()
	dir := t.TempDir()
	wl, err := whitelist.Open(filepath.Join(dir, "whitelist.json"), true)
	require.NoError(t, err)
	return &Commands{
		Registry: registry.New(),
		Path:     filepath.Join(dir, "skipauth.txt"),
		Players:  wl,
		Metrics:  metrics.New(prometheus.NewRegistry()),
	}
}

func TestAddListRemove(t *testing.T) {
	c := newCommands(t)

	r := c.List()
	assert.True(t, r.OK)
	assert.Equal(t, []string{"No offline-mode users have been added."}, r.Lines)

	r = c.Add("bob", "192.168.1.7/24")
	require.True(t, r.OK, r.Lines)
	assert.Equal(t, []string{"Added offline-mode user bob with address 192.168.1.0/24"}, r.Lines)
	r = c.Add("alice", "10.0.0.5")
	require.True(t, r.OK, r.Lines)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.Metrics.RegistryEntries))

	data, err := os.ReadFile(c.Path)
	require.NoError(t, err)
	assert.Equal(t, "alice 10.0.0.5\nbob 192.168.1.0/24\n", string(data))

	r = c.List()
	assert.Equal(t, []string{
		"The following offline-mode users are known:",
		"Username alice, address 10.0.0.5",
		"Username bob, address 192.168.1.0/24",
	}, r.Lines)
	assert.Len(t, r.Entries, 2)

	r = c.Remove("bob")
	require.True(t, r.OK)
	assert.Equal(t, []string{"Removed offline-mode user bob"}, r.Lines)
	data, err = os.ReadFile(c.Path)
	require.NoError(t, err)
	assert.Equal(t, "alice 10.0.0.5\n", string(data))

	r = c.Remove("bob")
	assert.False(t, r.OK)
	assert.True(t, r.IsUserError())
	assert.Equal(t, []string{"Unknown offline-mode user bob"}, r.Lines)
}

func TestAddInvalid(t *testing.T) {
	c := newCommands(t)

	r := c.Add("bob", "not-an-ip")
	assert.False(t, r.OK)
	assert.True(t, r.IsUserError())
	assert.Equal(t, []string{"Cannot parse as address or subnet: not-an-ip"}, r.Lines)

	r = c.Add("", "10.0.0.1")
	assert.False(t, r.OK)
	assert.True(t, r.IsUserError())
	assert.Equal(t, []string{"Invalid username: "}, r.Lines)

	assert.Equal(t, 0, c.Registry.Len())
	_, err := os.Stat(c.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestAddSaveFailure(t *testing.T) {
	c := newCommands(t)
	c.Path = filepath.Join(t.TempDir(), "missing", "skipauth.txt")

	r := c.Add("bob", "10.0.0.1")
	assert.False(t, r.OK)
	assert.False(t, r.IsUserError())
	require.Len(t, r.Lines, 1)
	assert.Contains(t, r.Lines[0], "Added offline-mode user bob with address 10.0.0.1, but saving failed: ")

	// memory keeps the entry
	_, ok := c.Registry.Lookup("bob")
	assert.True(t, ok)
}

func TestReload(t *testing.T) {
	c := newCommands(t)
	_, err := c.Registry.Add("old", "10.0.0.1")
	require.NoError(t, err)

	r := c.Reload()
	assert.True(t, r.OK)
	assert.Equal(t, []string{"No offline-mode users list at " + c.Path + ", keeping current entries"}, r.Lines)
	assert.Equal(t, 1, c.Registry.Len())

	require.NoError(t, os.WriteFile(c.Path, []byte("bob 10.1.0.0/16\ncarol ::1\n"), 0o644))
	r = c.Reload()
	assert.True(t, r.OK)
	assert.Equal(t, []string{"Successfully reloaded offline-mode users list"}, r.Lines)
	assert.Equal(t, 2, c.Registry.Len())
	_, ok := c.Registry.Lookup("old")
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(c.Path, []byte("dave 10.0.0.1\nbroken\n"), 0o644))
	r = c.Reload()
	assert.False(t, r.OK)
	assert.Equal(t, []string{"Failed to reload offline-mode users list (see console)"}, r.Lines)
	assert.Equal(t, 2, c.Registry.Len())

	assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics.Reloads.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics.Reloads.WithLabelValues("missing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Metrics.Reloads.WithLabelValues("error")))
}

func TestWhitelist(t *testing.T) {
	c := newCommands(t)

	r := c.Whitelist("alice")
	require.True(t, r.OK, r.Lines)
	assert.Equal(t, []string{"Whitelisted offline-mode player alice (UUID 40f5db53-a47a-33ee-b1f6-db0e20deded4)"}, r.Lines)
	require.NotNil(t, r.Profile)
	assert.True(t, c.Players.Allowed(whitelist.OfflineProfile("alice")))

	r = c.Whitelist("two words")
	assert.False(t, r.OK)
	assert.True(t, r.IsUserError())

	c.Players = nil
	r = c.Whitelist("alice")
	assert.False(t, r.OK)
	assert.ErrorIs(t, r.Err, ErrWhitelistDisabled)
}

func TestWhitelistKey(t *testing.T) {
	c := newCommands(t)
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	verified := whitelist.Profile{UUID: whitelist.KeyUUID(key.Marshal()), Name: "alice"}

	r := c.WhitelistKey("alice", string(ssh.MarshalAuthorizedKey(key)))
	require.True(t, r.OK, r.Lines)
	assert.Equal(t, []string{"Whitelisted verified player alice (UUID " + verified.UUID.String() + ")"}, r.Lines)
	assert.True(t, c.Players.Allowed(verified))
	assert.False(t, c.Players.Allowed(whitelist.OfflineProfile("alice")))

	r = c.WhitelistKey("alice", "ssh-ed25519 garbage")
	assert.False(t, r.OK)
	assert.True(t, r.IsUserError())
	assert.ErrorIs(t, r.Err, ErrInvalidPublicKey)

	r = c.WhitelistKey("", string(ssh.MarshalAuthorizedKey(key)))
	assert.False(t, r.OK)
	assert.ErrorIs(t, r.Err, registry.ErrInvalidUsername)
}

func TestUnwhitelist(t *testing.T) {
	c := newCommands(t)
	require.True(t, c.Whitelist("alice").OK)

	r := c.Unwhitelist("alice")
	require.True(t, r.OK, r.Lines)
	assert.Equal(t, []string{"Removed alice (UUID 40f5db53-a47a-33ee-b1f6-db0e20deded4) from the whitelist"}, r.Lines)
	assert.False(t, c.Players.Allowed(whitelist.OfflineProfile("alice")))
	assert.Empty(t, c.Players.List())

	r = c.Unwhitelist("alice")
	assert.False(t, r.OK)
	assert.True(t, r.IsUserError())
	assert.Equal(t, []string{"alice is not whitelisted"}, r.Lines)

	c.Players = nil
	r = c.Unwhitelist("alice")
	assert.ErrorIs(t, r.Err, ErrWhitelistDisabled)
}
