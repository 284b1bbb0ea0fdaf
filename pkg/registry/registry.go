// Package registry keeps the usernames that may skip verification and the
// address or subnet each of them has to connect from.
package registry

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/hellomouse/skipauth/pkg/util"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoConfig is returned by Load when the file does not exist yet.
	ErrNoConfig = fmt.Errorf("registry file does not exist: %w", fs.ErrNotExist)

	ErrInvalidUsername = errors.New("invalid username")
)

type Entry struct {
	Username string
	Network  Network
}

// LoadError identifies the line that made Load give up.
type LoadError struct {
	Path string
	Line int
	Text string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s:%d: invalid entry %q: %v", e.Path, e.Line, e.Text, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

type Registry struct {
	entries map[string]Network
	lock    sync.RWMutex
}

func New() *Registry {
	return &Registry{
		entries: map[string]Network{},
	}
}

// ValidUsername reports whether username can be stored in the registry file:
// non-empty and without whitespace.
func ValidUsername(username string) bool {
	if username == "" {
		return false
	}
	return strings.IndexFunc(username, unicode.IsSpace) < 0
}

// Add registers username with networkSpec, replacing any previous entry.
// The registry is not saved.
func (r *Registry) Add(username, networkSpec string) (Entry, error) {
	if !ValidUsername(username) {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	n, err := ParseNetwork(networkSpec)
	if err != nil {
		return Entry{}, err
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	r.entries[username] = n
	return Entry{Username: username, Network: n}, nil
}

// Remove deletes username and returns its previous entry, if any.
func (r *Registry) Remove(username string) (Entry, bool) {
	r.lock.Lock()
	defer r.lock.Unlock()

	n, ok := r.entries[username]
	if !ok {
		return Entry{}, false
	}
	delete(r.entries, username)
	return Entry{Username: username, Network: n}, true
}

// Lookup is safe for any number of concurrent callers.
func (r *Registry) Lookup(username string) (Network, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	n, ok := r.entries[username]
	return n, ok
}

// List returns a snapshot sorted by username.
func (r *Registry) List() []Entry {
	r.lock.RLock()
	res := make([]Entry, 0, len(r.entries))
	for u, n := range r.entries {
		res = append(res, Entry{Username: u, Network: n})
	}
	r.lock.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		return res[i].Username < res[j].Username
	})
	return res
}

func (r *Registry) Len() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.entries)
}

// Load replaces the registry with the content of path.
// The file is parsed completely before anything is swapped in: on any error the
// current entries stay in place.
func (r *Registry) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNoConfig, path)
		}
		return err
	}
	defer f.Close()

	entries := map[string]Network{}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		username, spec, ok := strings.Cut(line, " ")
		if !ok || strings.TrimSpace(spec) == "" {
			return &LoadError{Path: path, Line: lineNo, Text: line, Err: errors.New("expected \"<username> <address or subnet>\"")}
		}
		if !ValidUsername(username) {
			return &LoadError{Path: path, Line: lineNo, Text: line, Err: ErrInvalidUsername}
		}
		n, err := ParseNetwork(spec)
		if err != nil {
			return &LoadError{Path: path, Line: lineNo, Text: line, Err: err}
		}
		entries[username] = n
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	r.lock.Lock()
	logrus.Debugf("registry: loaded %d entries from %s (previously %d)", len(entries), path, len(r.entries))
	r.entries = entries
	r.lock.Unlock()
	return nil
}

// Save writes one "username network" line per entry, sorted by username.
// The file is replaced atomically.
func (r *Registry) Save(path string) error {
	var buf bytes.Buffer
	for _, e := range r.List() {
		buf.WriteString(e.Username)
		buf.WriteByte(' ')
		buf.WriteString(e.Network.String())
		buf.WriteByte('\n')
	}
	return util.WriteFileAtomic(path, buf.Bytes(), 0o644)
}
