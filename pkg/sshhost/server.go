// Package sshhost is an SSH server whose logins normally require public key
// verification. Every connection runs a login.Handler, so registered
// offline-mode users can skip verification from their allowed networks.
package sshhost

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hellomouse/skipauth/pkg/login"
	"github.com/hellomouse/skipauth/pkg/metrics"
	"github.com/hellomouse/skipauth/pkg/util"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const (
	DefaultServerVersion    = "SSH-2.0-skipauth_1.0"
	DefaultHandshakeTimeout = 30 * time.Second

	// extension names in ssh.Permissions
	extLogin     = "skipauth-login"
	extPublicKey = "skipauth-pubkey"

	// time the client gets to read a disconnect banner
	disconnectGrace = time.Second
)

var errVerificationRequired = errors.New("verification required")

type Options struct {
	Addr              string
	HostKeyPath       string
	AuthorizedKeysDir string
	OnlineMode        bool
	Banner            string
	ServerVersion     string
	MaxAuthTries      int
	HandshakeTimeout  time.Duration
}

type Server struct {
	opts      Options
	hook      login.Hook
	finalizer login.Finalizer
	metrics   *metrics.Metrics
	hostKey   ssh.Signer
	keys      *AuthorizedKeys

	conns       sync.WaitGroup
	activeCount int32
}

// NewServer loads (or generates) the host key. finalizer may be nil.
func NewServer(opts Options, hook login.Hook, finalizer login.Finalizer, m *metrics.Metrics) (*Server, error) {
	if opts.ServerVersion == "" {
		opts.ServerVersion = DefaultServerVersion
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	hostKey, err := LoadOrGenerateHostKey(opts.HostKeyPath)
	if err != nil {
		return nil, err
	}
	return &Server{
		opts:      opts,
		hook:      hook,
		finalizer: finalizer,
		metrics:   m,
		hostKey:   hostKey,
		keys:      NewAuthorizedKeys(opts.AuthorizedKeysDir),
	}, nil
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	logrus.Infof("Listening for SSH logins on %s (online mode: %v)", ln.Addr(), s.opts.OnlineMode)
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.conns.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// loginConn lets the login handler end a handshake: once disconnected, the
// pending read times out shortly and no further reads are served. After the
// handshake, refusals are delivered on the channel layer instead.
type loginConn struct {
	net.Conn
	established  atomic.Bool
	disconnected atomic.Bool
}

func (c *loginConn) Disconnect(reason string) {
	if c.established.Load() {
		return
	}
	c.disconnected.Store(true)
	_ = c.Conn.SetReadDeadline(time.Now().Add(disconnectGrace))
}

func (c *loginConn) Read(b []byte) (int, error) {
	if c.disconnected.Load() {
		return 0, net.ErrClosed
	}
	return c.Conn.Read(b)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	n := atomic.AddInt32(&s.activeCount, 1)
	defer atomic.AddInt32(&s.activeCount, -1)
	logger := logrus.WithField("remote", conn.RemoteAddr().String())
	logger.Debugf("Connection accepted. Active: %d", n)

	lc := &loginConn{Conn: conn}
	h := login.NewHandler(lc, login.Options{
		OnlineMode: s.opts.OnlineMode,
		Hook:       s.hook,
		Finalizer:  s.finalizer,
		Metrics:    s.metrics,
	})

	_ = conn.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	sshConn, chans, reqs, err := ssh.NewServerConn(lc, s.serverConfig(h))
	if err != nil {
		if reason := h.DisconnectReason(); reason != "" {
			logger.Infof("Login ended: %s", reason)
		} else {
			logger.WithError(err).Debug("SSH handshake failed")
		}
		return
	}
	defer sshConn.Close()
	lc.established.Store(true)
	_ = conn.SetDeadline(time.Time{})
	logger = logger.WithFields(logrus.Fields{
		"user":    sshConn.User(),
		"session": util.ShrinkID(hex.EncodeToString(sshConn.SessionID())),
	})

	if sshConn.Permissions != nil {
		if key, ok := sshConn.Permissions.Extensions[extPublicKey]; ok {
			if err := h.Verified(sshConn.User(), []byte(key)); err != nil {
				logger.WithError(err).Warn("Cannot record verification")
				return
			}
		}
	}
	profile, err := h.Accept()
	if err != nil {
		logger.WithError(err).Info("Login refused after handshake")
		go ssh.DiscardRequests(reqs)
		refuseChannels(sshConn, chans, h.DisconnectReason(), s.opts.HandshakeTimeout)
		return
	}

	go ssh.DiscardRequests(reqs)
	stop := context.AfterFunc(ctx, func() { sshConn.Close() })
	defer stop()
	s.handleChannels(chans, sessionInfo{
		profile: profile,
		skipped: h.Skipped(),
		remote:  conn.RemoteAddr(),
	})
}

// serverConfig builds the per-connection configuration whose callbacks drive h.
func (s *Server) serverConfig(h *login.Handler) *ssh.ServerConfig {
	config := &ssh.ServerConfig{
		ServerVersion: s.opts.ServerVersion,
		MaxAuthTries:  s.opts.MaxAuthTries,
		// "none" is how clients usually open the handshake; it is where the
		// username is first seen.
		NoClientAuth: true,
		NoClientAuthCallback: func(meta ssh.ConnMetadata) (*ssh.Permissions, error) {
			st, err := h.Hello(meta.User())
			if err != nil {
				return nil, disconnectBanner(err)
			}
			if st == login.ReadyToAccept {
				return loginPermissions(h), nil
			}
			return nil, errVerificationRequired
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			st, err := h.Hello(meta.User())
			if err != nil {
				return nil, disconnectBanner(err)
			}
			switch st {
			case login.ReadyToAccept:
				return loginPermissions(h), nil
			case login.AwaitingVerification:
			default:
				return nil, fmt.Errorf("unexpected login state %s", st)
			}
			ok, err := s.keys.Authorized(meta.User(), key)
			if err != nil {
				logrus.WithError(err).WithField("user", meta.User()).Warn("Cannot read authorized keys")
				return nil, errVerificationRequired
			}
			if !ok {
				return nil, fmt.Errorf("public key %s is not authorized for %s", ssh.FingerprintSHA256(key), meta.User())
			}
			return &ssh.Permissions{Extensions: map[string]string{
				extLogin:     "publickey",
				extPublicKey: string(key.Marshal()),
			}}, nil
		},
	}
	if s.opts.Banner != "" {
		banner := s.opts.Banner
		config.BannerCallback = func(ssh.ConnMetadata) string {
			return banner
		}
	}
	config.AddHostKey(s.hostKey)
	return config
}

func loginPermissions(h *login.Handler) *ssh.Permissions {
	how := "offline"
	if h.Skipped() {
		how = "skipped"
	}
	return &ssh.Permissions{Extensions: map[string]string{extLogin: how}}
}

// disconnectBanner sends the disconnect reason to the client as a banner.
func disconnectBanner(err error) error {
	var de *login.DisconnectError
	if errors.As(err, &de) && de.Reason != "" {
		return &ssh.BannerError{Err: err, Message: de.Reason + "\n"}
	}
	return err
}

// refuseChannels rejects the first channel the client opens with reason and
// then hangs up. Clients that open nothing are dropped after timeout.
func refuseChannels(sshConn *ssh.ServerConn, chans <-chan ssh.NewChannel, reason string, timeout time.Duration) {
	timer := time.AfterFunc(timeout, func() { sshConn.Close() })
	defer timer.Stop()
	if newChannel, ok := <-chans; ok {
		_ = newChannel.Reject(ssh.Prohibited, reason)
	}
}
