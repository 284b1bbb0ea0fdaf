// Package whitelist implements the host's player whitelist: profiles made of a
// name and a UUID, persisted as a JSON list.
package whitelist

import (
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/hellomouse/skipauth/pkg/util"
	"github.com/sirupsen/logrus"
)

// NotWhitelistedReason is shown to clients refused by the whitelist.
const NotWhitelistedReason = "You are not white-listed on this server!"

type Profile struct {
	UUID uuid.UUID `json:"uuid"`
	Name string    `json:"name"`
}

func (p Profile) String() string {
	return fmt.Sprintf("%s (UUID %s)", p.Name, p.UUID)
}

// OfflineUUID derives the UUID the host assigns to name when the identity was
// not verified: a version 3 UUID over the MD5 of "OfflinePlayer:<name>".
func OfflineUUID(name string) uuid.UUID {
	sum := md5.Sum([]byte("OfflinePlayer:" + name))
	sum[6] = (sum[6] & 0x0f) | 0x30
	sum[8] = (sum[8] & 0x3f) | 0x80
	return uuid.UUID(sum)
}

// OfflineProfile is the profile of a login that skipped verification.
func OfflineProfile(name string) Profile {
	return Profile{UUID: OfflineUUID(name), Name: name}
}

// KeyUUID derives the UUID of a verified identity from its marshalled public key.
func KeyUUID(publicKey []byte) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, publicKey)
}

type Whitelist struct {
	path    string
	enabled bool
	// by name
	profiles map[string]Profile
	mu       sync.RWMutex
}

// Open loads the whitelist at path. A missing file is an empty whitelist.
// A disabled whitelist allows every profile but can still be edited.
func Open(path string, enabled bool) (*Whitelist, error) {
	w := &Whitelist{
		path:     path,
		enabled:  enabled,
		profiles: map[string]Profile{},
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logrus.Debugf("whitelist %s does not exist yet", path)
			return w, nil
		}
		return nil, err
	}
	var list []Profile
	if len(b) > 0 {
		if err := json.Unmarshal(b, &list); err != nil {
			return nil, fmt.Errorf("cannot parse whitelist %s: %w", path, err)
		}
	}
	for _, p := range list {
		w.profiles[p.Name] = p
	}
	return w, nil
}

func (w *Whitelist) Enabled() bool {
	return w.enabled
}

// Add inserts or replaces the profile with the same name and saves the file.
func (w *Whitelist) Add(p Profile) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev, had := w.profiles[p.Name]
	w.profiles[p.Name] = p
	if err := w.saveLocked(); err != nil {
		if had {
			w.profiles[p.Name] = prev
		} else {
			delete(w.profiles, p.Name)
		}
		return err
	}
	return nil
}

func (w *Whitelist) Remove(name string) (Profile, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.profiles[name]
	if !ok {
		return Profile{}, false, nil
	}
	delete(w.profiles, name)
	if err := w.saveLocked(); err != nil {
		w.profiles[name] = p
		return Profile{}, false, err
	}
	return p, true, nil
}

func (w *Whitelist) List() []Profile {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.listLocked()
}

func (w *Whitelist) listLocked() []Profile {
	res := make([]Profile, 0, len(w.profiles))
	for _, p := range w.profiles {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool {
		return res[i].Name < res[j].Name
	})
	return res
}

// Allowed reports whether both the name and the UUID of p are whitelisted.
func (w *Whitelist) Allowed(p Profile) bool {
	if !w.enabled {
		return true
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	known, ok := w.profiles[p.Name]
	return ok && known.UUID == p.UUID
}

func (w *Whitelist) saveLocked() error {
	b, err := json.MarshalIndent(w.listLocked(), "", "  ")
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(w.path, append(b, '\n'), 0o644)
}
