// Package login implements the host's per-connection login handshake.
//
// A handshake starts in AwaitingHello. Once the client names itself the
// Hook decides whether it goes straight to ReadyToAccept, is Disconnected, or
// has to pass AwaitingVerification like any other client.
package login

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/hellomouse/skipauth/pkg/interceptor"
	"github.com/hellomouse/skipauth/pkg/metrics"
	"github.com/hellomouse/skipauth/pkg/whitelist"
	"github.com/sirupsen/logrus"
)

type State int

const (
	AwaitingHello State = iota
	AwaitingVerification
	ReadyToAccept
	Disconnected
)

func (s State) String() string {
	switch s {
	case AwaitingHello:
		return "awaiting-hello"
	case AwaitingVerification:
		return "awaiting-verification"
	case ReadyToAccept:
		return "ready-to-accept"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const (
	InternalErrorReason  = "Internal server error"
	UsernameChangeReason = "Change of username not allowed"
)

var ErrInvalidState = errors.New("invalid login state")

// DisconnectError is returned once a handshake has been terminated.
type DisconnectError struct {
	Reason string
	Err    error
}

func (e *DisconnectError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("disconnected (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("disconnected: %s", e.Reason)
}

func (e *DisconnectError) Unwrap() error {
	return e.Err
}

// Hook is consulted after the username is known and before verification.
type Hook interface {
	Intercept(username string, remote net.Addr, onlineMode bool) (interceptor.Decision, error)
}

// Finalizer gets the last word on a profile before the login is accepted.
type Finalizer interface {
	Allowed(p whitelist.Profile) bool
}

// Conn is the connection a handshake runs on. Disconnect is called with the
// handler locked and must not call back into it.
type Conn interface {
	RemoteAddr() net.Addr
	Disconnect(reason string)
}

type Options struct {
	OnlineMode bool
	Hook       Hook
	Finalizer  Finalizer
	Metrics    *metrics.Metrics
}

type Handler struct {
	conn Conn
	opts Options
	log  *logrus.Entry

	mu       sync.Mutex
	state    State
	username string
	skipped  bool
	key      []byte
	reason   string
	profile  *whitelist.Profile
}

func NewHandler(conn Conn, opts Options) *Handler {
	return &Handler{
		conn:  conn,
		opts:  opts,
		log:   logrus.WithField("remote", remoteString(conn.RemoteAddr())),
		state: AwaitingHello,
	}
}

func remoteString(a net.Addr) string {
	if a == nil {
		return "<nil>"
	}
	return a.String()
}

func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handler) Username() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.username
}

// Skipped reports whether verification was skipped for this login.
func (h *Handler) Skipped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.skipped
}

func (h *Handler) DisconnectReason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Hello processes the username the client claims. Calling it again with the
// same username returns the current state; a different username ends the
// handshake.
func (h *Handler) Hello(username string) (State, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case Disconnected:
		return h.state, &DisconnectError{Reason: h.reason}
	case AwaitingHello:
	default:
		if username != h.username {
			h.disconnectLocked(UsernameChangeReason)
			return h.state, &DisconnectError{Reason: h.reason}
		}
		return h.state, nil
	}

	h.username = username
	h.log = h.log.WithField("user", username)

	if h.opts.Hook != nil {
		d, err := h.opts.Hook.Intercept(username, h.conn.RemoteAddr(), h.opts.OnlineMode)
		if err != nil {
			h.log.WithError(err).Error("login hook failed")
			h.disconnectLocked(InternalErrorReason)
			return h.state, &DisconnectError{Reason: h.reason, Err: err}
		}
		switch d.Outcome {
		case interceptor.Skip:
			h.skipped = true
			h.setStateLocked(ReadyToAccept)
			return h.state, nil
		case interceptor.Reject:
			h.disconnectLocked(d.Reason)
			return h.state, &DisconnectError{Reason: h.reason}
		}
	}

	if h.opts.OnlineMode {
		h.setStateLocked(AwaitingVerification)
	} else {
		h.setStateLocked(ReadyToAccept)
	}
	return h.state, nil
}

// Verified records that the client proved its identity with publicKey.
func (h *Handler) Verified(username string, publicKey []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == Disconnected {
		return &DisconnectError{Reason: h.reason}
	}
	if username != h.username {
		h.disconnectLocked(UsernameChangeReason)
		return &DisconnectError{Reason: h.reason}
	}
	if h.state != AwaitingVerification {
		return fmt.Errorf("%w: verification in state %s", ErrInvalidState, h.state)
	}
	h.key = append([]byte(nil), publicKey...)
	h.setStateLocked(ReadyToAccept)
	return nil
}

// Accept finishes a handshake in ReadyToAccept and returns the profile of the
// client. Profiles of logins that were never verified use the offline UUID.
func (h *Handler) Accept() (whitelist.Profile, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == Disconnected {
		return whitelist.Profile{}, &DisconnectError{Reason: h.reason}
	}
	if h.state != ReadyToAccept {
		return whitelist.Profile{}, fmt.Errorf("%w: accept in state %s", ErrInvalidState, h.state)
	}
	if h.profile != nil {
		return *h.profile, nil
	}

	p := whitelist.OfflineProfile(h.username)
	if h.key != nil {
		p.UUID = whitelist.KeyUUID(h.key)
	}
	if h.opts.Finalizer != nil && !h.opts.Finalizer.Allowed(p) {
		h.log.Warnf("%s is not whitelisted", p)
		h.disconnectLocked(whitelist.NotWhitelistedReason)
		return whitelist.Profile{}, &DisconnectError{Reason: h.reason}
	}
	h.profile = &p
	h.log.WithField("uuid", p.UUID.String()).Infof("accepted login (skipped verification: %v)", h.skipped)
	h.opts.Metrics.IncrementHandshake("accepted")
	return p, nil
}

// Disconnect terminates the handshake from the host side.
func (h *Handler) Disconnect(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Disconnected {
		h.disconnectLocked(reason)
	}
}

func (h *Handler) setStateLocked(s State) {
	h.log.Debugf("login state %s -> %s", h.state, s)
	h.state = s
}

func (h *Handler) disconnectLocked(reason string) {
	h.setStateLocked(Disconnected)
	h.reason = reason
	h.log.Infof("disconnecting: %s", reason)
	h.opts.Metrics.IncrementHandshake(Disconnected.String())
	h.conn.Disconnect(reason)
}
