package sshhost

import (
	"bufio"
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// LoadOrGenerateHostKey reads a PEM private key from path, generating and
// saving a new ed25519 key if the file does not exist.
func LoadOrGenerateHostKey(path string) (ssh.Signer, error) {
	privateBytes, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		privateBytes, err = newHostKeyPEM()
		if err != nil {
			return nil, fmt.Errorf("failed to generate host key: %w", err)
		}
		if err := os.WriteFile(path, privateBytes, 0o600); err != nil {
			return nil, fmt.Errorf("failed to save generated host key: %w", err)
		}
		logrus.Infof("Generated new host key %s", path)
	}
	signer, err := ssh.ParsePrivateKey(privateBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse host key %s: %w", path, err)
	}
	return signer, nil
}

func newHostKeyPEM() ([]byte, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	block, err := ssh.MarshalPrivateKey(priv, "skipauth host key")
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(block), nil
}

// AuthorizedKeys verifies public keys against per-user files in authorized_keys
// format: <dir>/<username>.
type AuthorizedKeys struct {
	dir string
}

func NewAuthorizedKeys(dir string) *AuthorizedKeys {
	return &AuthorizedKeys{dir: dir}
}

// Authorized reports whether key is listed for username. Missing files
// authorize nothing.
func (a *AuthorizedKeys) Authorized(username string, key ssh.PublicKey) (bool, error) {
	if a == nil || a.dir == "" {
		return false, nil
	}
	if username == "" || username == "." || username == ".." || filepath.Base(username) != username {
		return false, fmt.Errorf("refusing to look up keys for username %q", username)
	}
	f, err := os.Open(filepath.Join(a.dir, username))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	want := key.Marshal()
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		k, _, _, _, err := ssh.ParseAuthorizedKey(line)
		if err != nil {
			logrus.WithError(err).Warnf("%s:%d: ignoring malformed key", f.Name(), lineNo)
			continue
		}
		if bytes.Equal(k.Marshal(), want) {
			return true, nil
		}
	}
	return false, scanner.Err()
}
