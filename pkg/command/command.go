// Package command implements the administrative commands: add, remove, list,
// reload and whitelist. Every command returns a Result whose lines are meant
// to be shown to the operator as they are.
package command

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hellomouse/skipauth/pkg/metrics"
	"github.com/hellomouse/skipauth/pkg/registry"
	"github.com/hellomouse/skipauth/pkg/whitelist"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

var (
	ErrUnknownUser       = errors.New("unknown offline-mode user")
	ErrWhitelistDisabled = errors.New("whitelist is not configured")
	ErrNotWhitelisted    = errors.New("player is not whitelisted")
	ErrInvalidPublicKey  = errors.New("invalid public key")
)

type Result struct {
	OK      bool
	Lines   []string
	Entries []registry.Entry
	Profile *whitelist.Profile
	// Err is set when OK is false.
	Err error
}

func success(lines ...string) Result {
	return Result{OK: true, Lines: lines}
}

func failure(err error, lines ...string) Result {
	return Result{Err: err, Lines: lines}
}

// IsUserError reports whether a failed result was caused by bad input rather
// than by an I/O problem on the daemon side.
func (r Result) IsUserError() bool {
	var pe *registry.ParseError
	return errors.As(r.Err, &pe) ||
		errors.Is(r.Err, registry.ErrInvalidUsername) ||
		errors.Is(r.Err, ErrUnknownUser) ||
		errors.Is(r.Err, ErrNotWhitelisted) ||
		errors.Is(r.Err, ErrInvalidPublicKey)
}

type Commands struct {
	Registry *registry.Registry
	Path     string
	Players  *whitelist.Whitelist
	Metrics  *metrics.Metrics

	// serializes mutations with the save that follows them
	mu sync.Mutex
}

func (c *Commands) Add(username, network string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.Registry.Add(username, network)
	if err != nil {
		var pe *registry.ParseError
		switch {
		case errors.As(err, &pe):
			return failure(err, fmt.Sprintf("Cannot parse as address or subnet: %s", pe.Input))
		case errors.Is(err, registry.ErrInvalidUsername):
			return failure(err, fmt.Sprintf("Invalid username: %s", username))
		}
		return failure(err, err.Error())
	}
	c.Metrics.SetRegistryEntries(c.Registry.Len())
	msg := fmt.Sprintf("Added offline-mode user %s with address %s", e.Username, e.Network)
	logrus.Info(msg)
	if err := c.save(); err != nil {
		return failure(err, fmt.Sprintf("%s, but saving failed: %v", msg, err))
	}
	r := success(msg)
	r.Entries = []registry.Entry{e}
	return r
}

func (c *Commands) Remove(username string) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.Registry.Remove(username)
	if !ok {
		return failure(fmt.Errorf("%w: %s", ErrUnknownUser, username), fmt.Sprintf("Unknown offline-mode user %s", username))
	}
	c.Metrics.SetRegistryEntries(c.Registry.Len())
	msg := fmt.Sprintf("Removed offline-mode user %s", e.Username)
	logrus.Info(msg)
	if err := c.save(); err != nil {
		return failure(err, fmt.Sprintf("%s, but saving failed: %v", msg, err))
	}
	r := success(msg)
	r.Entries = []registry.Entry{e}
	return r
}

func (c *Commands) List() Result {
	entries := c.Registry.List()
	if len(entries) == 0 {
		r := success("No offline-mode users have been added.")
		r.Entries = entries
		return r
	}
	lines := make([]string, 0, len(entries)+1)
	lines = append(lines, "The following offline-mode users are known:")
	for _, e := range entries {
		lines = append(lines, fmt.Sprintf("Username %s, address %s", e.Username, e.Network))
	}
	r := success(lines...)
	r.Entries = entries
	return r
}

// Reload replaces the registry with the content of the file. A missing file
// keeps the current entries.
func (c *Commands) Reload() Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.Registry.Load(c.Path)
	switch {
	case err == nil:
		c.Metrics.IncrementReload("ok")
	case errors.Is(err, registry.ErrNoConfig):
		c.Metrics.IncrementReload("missing")
		msg := fmt.Sprintf("No offline-mode users list at %s, keeping current entries", c.Path)
		logrus.Info(msg)
		return success(msg)
	default:
		c.Metrics.IncrementReload("error")
		logrus.WithError(err).Error("Failed to reload offline-mode users list")
		return failure(err, "Failed to reload offline-mode users list (see console)")
	}
	c.Metrics.SetRegistryEntries(c.Registry.Len())
	logrus.Infof("Reloaded %d offline-mode users from %s", c.Registry.Len(), c.Path)
	return success("Successfully reloaded offline-mode users list")
}

// Whitelist adds the offline profile of username to the whitelist.
func (c *Commands) Whitelist(username string) Result {
	if !registry.ValidUsername(username) {
		return failure(registry.ErrInvalidUsername, fmt.Sprintf("Invalid username: %s", username))
	}
	return c.whitelist(whitelist.OfflineProfile(username), "offline-mode")
}

// WhitelistKey adds the profile a client logging in as username with the
// given key (authorized_keys format) gets after verification. It replaces an
// offline profile of the same name.
func (c *Commands) WhitelistKey(username, authorizedKey string) Result {
	if !registry.ValidUsername(username) {
		return failure(registry.ErrInvalidUsername, fmt.Sprintf("Invalid username: %s", username))
	}
	key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorizedKey))
	if err != nil {
		return failure(fmt.Errorf("%w: %v", ErrInvalidPublicKey, err), fmt.Sprintf("Cannot parse public key: %v", err))
	}
	return c.whitelist(whitelist.Profile{UUID: whitelist.KeyUUID(key.Marshal()), Name: username}, "verified")
}

func (c *Commands) whitelist(p whitelist.Profile, kind string) Result {
	if c.Players == nil {
		return failure(ErrWhitelistDisabled, "The whitelist is not configured")
	}
	if err := c.Players.Add(p); err != nil {
		logrus.WithError(err).Errorf("Failed to whitelist %s", p)
		return failure(err, fmt.Sprintf("Failed to whitelist %s player %s: %v", kind, p.Name, err))
	}
	msg := fmt.Sprintf("Whitelisted %s player %s (UUID %s)", kind, p.Name, p.UUID)
	logrus.Info(msg)
	r := success(msg)
	r.Profile = &p
	return r
}

// Unwhitelist removes the profile named username from the whitelist.
func (c *Commands) Unwhitelist(username string) Result {
	if c.Players == nil {
		return failure(ErrWhitelistDisabled, "The whitelist is not configured")
	}
	p, ok, err := c.Players.Remove(username)
	if err != nil {
		logrus.WithError(err).Errorf("Failed to remove %s from the whitelist", username)
		return failure(err, fmt.Sprintf("Failed to remove %s from the whitelist: %v", username, err))
	}
	if !ok {
		return failure(fmt.Errorf("%w: %s", ErrNotWhitelisted, username), fmt.Sprintf("%s is not whitelisted", username))
	}
	msg := fmt.Sprintf("Removed %s from the whitelist", p)
	logrus.Info(msg)
	r := success(msg)
	r.Profile = &p
	return r
}

func (c *Commands) save() error {
	if err := c.Registry.Save(c.Path); err != nil {
		logrus.WithError(err).Errorf("Failed to save offline-mode users list to %s", c.Path)
		return err
	}
	return nil
}
