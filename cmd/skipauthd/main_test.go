package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hellomouse/skipauth/pkg/api/daemon/client"
	"github.com/hellomouse/skipauth/pkg/config"
	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestOverrides(t *testing.T) {
	var o overrides
	fs := flag.NewFlagSet("skipauthd", flag.ContinueOnError)
	fs.StringVar(&o.listen, "listen", "", "")
	fs.BoolVar(&o.onlineMode, "online-mode", true, "")
	fs.StringVar(&o.registryFile, "registry-file", "", "")
	fs.StringVar(&o.hostKeyFile, "host-key", "", "")
	fs.StringVar(&o.authorizedKeysDir, "authorized-keys-dir", "", "")
	fs.BoolVar(&o.whitelist, "whitelist", false, "")
	fs.StringVar(&o.whitelistFile, "whitelist-file", "", "")
	fs.StringVar(&o.socket, "socket", "", "")
	require.NoError(t, fs.Parse([]string{"--listen", "127.0.0.1:22", "--online-mode=false", "--whitelist"}))

	cfg := config.Default("/etc/skipauth")
	o.apply(fs, &cfg)
	assert.Equal(t, "127.0.0.1:22", cfg.Listen)
	assert.False(t, cfg.OnlineMode)
	assert.True(t, cfg.Whitelist.Enabled)
	// untouched flags keep the file's values
	assert.Equal(t, "/etc/skipauth/skipauth.txt", cfg.RegistryFile)
	assert.Equal(t, "/etc/skipauth/whitelist.json", cfg.Whitelist.File)
}

func freePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().String()
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Listen = freePort(t)
	cfg.Socket = filepath.Join(dir, "api.sock")
	require.NoError(t, os.WriteFile(cfg.RegistryFile, []byte("bob 10.0.0.0/8\n"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg)
	}()

	var c client.Client
	require.Eventually(t, func() bool {
		var err error
		c, err = client.New(cfg.Socket)
		return err == nil && c.Ping(ctx) == nil
	}, 5*time.Second, 20*time.Millisecond)

	rm := c.RegistryManager()
	res, err := rm.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Username bob, address 10.0.0.0/8", res.Lines[1])

	// loopback is not in bob's network yet
	sshConfig := &ssh.ClientConfig{User: "bob", HostKeyCallback: ssh.InsecureIgnoreHostKey()}
	_, err = ssh.Dial("tcp", cfg.Listen, sshConfig)
	require.Error(t, err)

	_, err = rm.Add(ctx, "bob", "127.0.0.1")
	require.NoError(t, err)
	sc, err := ssh.Dial("tcp", cfg.Listen, sshConfig)
	require.NoError(t, err)
	sc.Close()

	data, err := os.ReadFile(cfg.RegistryFile)
	require.NoError(t, err)
	assert.Equal(t, "bob 127.0.0.1\n", string(data))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return")
	}
	_, err = os.Stat(cfg.Socket)
	assert.True(t, os.IsNotExist(err))
}
