// Package interceptor decides, during a login handshake, whether a client
// claiming a registered username may skip identity verification.
package interceptor

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/hellomouse/skipauth/pkg/metrics"
	"github.com/hellomouse/skipauth/pkg/registry"
	"github.com/sirupsen/logrus"
)

// MismatchReason is shown to clients whose address does not match their entry.
const MismatchReason = "Address mismatch"

// ErrUnknownAddressFamily means the transport handed us a remote address that is
// neither IPv4 nor IPv6. Logins hitting it must not proceed.
var ErrUnknownAddressFamily = errors.New("unknown address family")

type Outcome int

const (
	// NoAction lets normal verification proceed.
	NoAction Outcome = iota
	// Skip moves the login straight to ready-to-accept.
	Skip
	// Reject terminates the connection.
	Reject
)

func (o Outcome) String() string {
	switch o {
	case NoAction:
		return "none"
	case Skip:
		return "skip"
	case Reject:
		return "reject"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

type Decision struct {
	Outcome Outcome
	// Network is the registered network for Skip and Reject.
	Network registry.Network
	// Reason is set for Reject.
	Reason string
}

// Lookuper is the read side of the registry.
type Lookuper interface {
	Lookup(username string) (registry.Network, bool)
}

type Interceptor struct {
	registry Lookuper
	metrics  *metrics.Metrics
}

func New(r Lookuper, m *metrics.Metrics) *Interceptor {
	return &Interceptor{
		registry: r,
		metrics:  m,
	}
}

// Intercept is called once the claimed username is known and before any
// verification starts. It never blocks.
func (i *Interceptor) Intercept(username string, remote net.Addr, onlineMode bool) (Decision, error) {
	logger := logrus.WithFields(logrus.Fields{"user": username, "remote": addrString(remote)})
	if !onlineMode {
		i.metrics.IncrementDecision(NoAction.String())
		return Decision{Outcome: NoAction}, nil
	}
	allowed, ok := i.registry.Lookup(username)
	if !ok {
		logger.Debug("not a registered offline-mode user")
		i.metrics.IncrementDecision(NoAction.String())
		return Decision{Outcome: NoAction}, nil
	}

	addr, err := RemoteIP(remote)
	if err != nil {
		logger.WithError(err).Error("cannot determine address of offline-mode user")
		i.metrics.IncrementDecision("error")
		return Decision{}, err
	}

	if allowed.Contains(addr) {
		logger.Infof("skipped authentication for offline-mode user %s", username)
		i.metrics.IncrementDecision(Skip.String())
		return Decision{Outcome: Skip, Network: allowed}, nil
	}
	logger.Warnf("address mismatch for offline-mode user %s (allowed %s)", username, allowed)
	i.metrics.IncrementDecision(Reject.String())
	return Decision{Outcome: Reject, Network: allowed, Reason: MismatchReason}, nil
}

// RemoteIP extracts the IP of a socket address. IPv4-mapped IPv6 addresses are
// returned as IPv4 and zones are dropped.
func RemoteIP(remote net.Addr) (netip.Addr, error) {
	var ip net.IP
	switch a := remote.(type) {
	case *net.TCPAddr:
		if a != nil {
			ip = a.IP
		}
	case *net.UDPAddr:
		if a != nil {
			ip = a.IP
		}
	case *net.IPAddr:
		if a != nil {
			ip = a.IP
		}
	case nil:
		return netip.Addr{}, fmt.Errorf("%w: no remote address", ErrUnknownAddressFamily)
	default:
		return netip.Addr{}, fmt.Errorf("%w: %s address %q", ErrUnknownAddressFamily, remote.Network(), remote.String())
	}
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, fmt.Errorf("%w: %d-byte IP %v", ErrUnknownAddressFamily, len(ip), ip)
	}
	addr = addr.Unmap()
	if !addr.Is4() && !addr.Is6() {
		return netip.Addr{}, fmt.Errorf("%w: %v", ErrUnknownAddressFamily, addr)
	}
	return addr, nil
}

func addrString(a net.Addr) string {
	if a == nil {
		return "<nil>"
	}
	return a.String()
}
