package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"
	"github.com/hellomouse/skipauth/pkg/api/daemon/client"
	"github.com/hellomouse/skipauth/pkg/api/daemon/router"
	"github.com/hellomouse/skipauth/pkg/command"
	"github.com/hellomouse/skipauth/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T) client.Client {
	t.Helper()
	dir := t.TempDir()
	cmds := &command.Commands{
		Registry: registry.New(),
		Path:     filepath.Join(dir, "skipauth.txt"),
	}
	r := mux.NewRouter()
	router.AddRoutes(r, &router.Backend{Commands: cmds})
	socketPath := filepath.Join(dir, "api.sock")
	l, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	srv := &http.Server{Handler: r}
	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	c, err := client.New(socketPath)
	require.NoError(t, err)
	return c
}

func TestRunCommand(t *testing.T) {
	c := newClient(t)
	ctx := context.TODO()
	run := func(args ...string) (string, error) {
		var buf bytes.Buffer
		err := runCommand(ctx, c, args, &buf)
		return buf.String(), err
	}

	out, err := run("ping")
	require.NoError(t, err)
	assert.Equal(t, "skipauthd is running\n", out)

	out, err = run("list")
	require.NoError(t, err)
	assert.Equal(t, "No offline-mode users have been added.\n", out)

	out, err = run("add", "bob", "10.0.0.0/8")
	require.NoError(t, err)
	assert.Equal(t, "Added offline-mode user bob with address 10.0.0.0/8\n", out)

	out, err = run("list")
	require.NoError(t, err)
	assert.Equal(t, "The following offline-mode users are known:\nUsername bob, address 10.0.0.0/8\n", out)

	_, err = run("add", "carol", "nope")
	assert.EqualError(t, err, "Cannot parse as address or subnet: nope")

	out, err = run("remove", "bob")
	require.NoError(t, err)
	assert.Equal(t, "Removed offline-mode user bob\n", out)

	_, err = run("whitelist", "bob")
	assert.EqualError(t, err, "The whitelist is not configured")
	_, err = run("unwhitelist", "bob")
	assert.EqualError(t, err, "The whitelist is not configured")

	keyFile := filepath.Join(t.TempDir(), "id_ed25519.pub")
	require.NoError(t, os.WriteFile(keyFile, []byte("ssh-ed25519 garbage\n"), 0o644))
	_, err = run("whitelist", "bob", keyFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Cannot parse public key")
	_, err = run("whitelist", "bob", filepath.Join(t.TempDir(), "missing.pub"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	_, err = run("add", "bob")
	assert.True(t, errors.Is(err, errUsage))
	_, err = run("frobnicate")
	assert.True(t, errors.Is(err, errUsage))
}
