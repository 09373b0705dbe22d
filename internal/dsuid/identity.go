package dsuid

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Source records where the host hardware address came from.
type Source int

const (
	// SourceInterface means the address was read from a network interface.
	SourceInterface Source = iota
	// SourceConfigured means the address was pinned in configuration.
	SourceConfigured
	// SourcePersisted means the address was restored from the snapshot.
	SourcePersisted
	// SourceRandom means no interface was usable and a random locally
	// administered address was generated for this process.
	SourceRandom
	// SourceSentinel means not even randomness was available.
	SourceSentinel
)

func (s Source) String() string {
	switch s {
	case SourceInterface:
		return "interface"
	case SourceConfigured:
		return "configured"
	case SourcePersisted:
		return "persisted"
	case SourceRandom:
		return "random"
	case SourceSentinel:
		return "sentinel"
	default:
		return "unknown"
	}
}

// SentinelMAC is used when neither an interface address nor entropy is
// available. It is locally administered and never all-zero.
var SentinelMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

// HostIdentity is the immutable identity of this host for the lifetime of
// the process.
type HostIdentity struct {
	MAC      net.HardwareAddr
	VendorID string
	Source   Source
}

// Dsuid returns the host dSUID. It is a pure function of MAC and VendorID.
func (h HostIdentity) Dsuid() DSUID {
	return FromName(VendorNamespace(h.VendorID), "mac:"+strings.ToLower(h.MAC.String()), 0)
}

// Namespace returns the UUID namespace under which vDC dSUIDs are derived.
func (h HostIdentity) Namespace() uuid.UUID {
	return h.Dsuid().Namespace()
}

// Ephemeral reports whether the identity would change on the next start.
func (h HostIdentity) Ephemeral() bool {
	return h.Source == SourceRandom || h.Source == SourceSentinel
}

// WithMAC returns a copy of h using mac with the given source.
func (h HostIdentity) WithMAC(mac net.HardwareAddr, source Source) HostIdentity {
	h.MAC = append(net.HardwareAddr(nil), mac...)
	h.Source = source
	return h
}

// InterfaceLister returns the network interfaces to inspect.
type InterfaceLister func() ([]net.Interface, error)

type deriveOptions struct {
	interfaces InterfaceLister
	entropy    io.Reader
	mac        net.HardwareAddr
}

// Option customises DeriveHostIdentity.
type Option func(*deriveOptions)

// WithInterfaces replaces net.Interfaces as the interface source.
func WithInterfaces(l InterfaceLister) Option {
	return func(o *deriveOptions) { o.interfaces = l }
}

// WithEntropy replaces crypto/rand as the fallback randomness source.
func WithEntropy(r io.Reader) Option {
	return func(o *deriveOptions) { o.entropy = r }
}

// WithConfiguredMAC pins the hardware address. Invalid (non 6-byte or
// all-zero) values are ignored and discovery proceeds normally.
func WithConfiguredMAC(mac net.HardwareAddr) Option {
	return func(o *deriveOptions) { o.mac = mac }
}

// DeriveHostIdentity computes the host identity.
//
// The first non-loopback interface with a usable 6-byte address wins,
// preferring interfaces that are up. Without one, a random locally
// administered address is generated; without entropy, SentinelMAC is used.
// It never fails: callers should log a warning when Ephemeral() is true.
func DeriveHostIdentity(vendorID string, opts ...Option) HostIdentity {
	o := deriveOptions{
		interfaces: net.Interfaces,
		entropy:    rand.Reader,
	}
	for _, opt := range opts {
		opt(&o)
	}

	id := HostIdentity{VendorID: vendorID}

	if usableMAC(o.mac) {
		return id.WithMAC(o.mac, SourceConfigured)
	}

	if mac := firstInterfaceMAC(o.interfaces); mac != nil {
		return id.WithMAC(mac, SourceInterface)
	}

	if mac, ok := randomMAC(o.entropy); ok {
		return id.WithMAC(mac, SourceRandom)
	}

	return id.WithMAC(SentinelMAC, SourceSentinel)
}

func firstInterfaceMAC(list InterfaceLister) net.HardwareAddr {
	if list == nil {
		return nil
	}
	ifaces, err := list()
	if err != nil {
		return nil
	}

	sort.SliceStable(ifaces, func(i, j int) bool { return ifaces[i].Index < ifaces[j].Index })

	var fallback net.HardwareAddr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || !usableMAC(iface.HardwareAddr) {
			continue
		}
		if iface.Flags&net.FlagUp != 0 {
			return iface.HardwareAddr
		}
		if fallback == nil {
			fallback = iface.HardwareAddr
		}
	}
	return fallback
}

func usableMAC(mac net.HardwareAddr) bool {
	return len(mac) == 6 && !bytes.Equal(mac, make([]byte, 6))
}

func randomMAC(r io.Reader) (net.HardwareAddr, bool) {
	if r == nil {
		return nil, false
	}
	mac := make(net.HardwareAddr, 6)
	if _, err := io.ReadFull(r, mac); err != nil {
		return nil, false
	}
	// Locally administered, unicast.
	mac[0] = (mac[0] | 0x02) &^ 0x01
	if !usableMAC(mac) {
		return nil, false
	}
	return mac, true
}
