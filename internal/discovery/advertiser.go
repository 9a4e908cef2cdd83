// Package discovery advertises the powerboxd HTTP API over mDNS so clients
// on the local network can find a box without knowing its address.
//
// The service type is _powerbox._tcp in the local. domain. TXT records
// carry the device id, the daemon version, the API base path, whether TLS
// is on and, once the board has answered, its hardware name and revision.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/enbility/zeroconf/v3"

	"github.com/MichelMoriniaux/BigPowerBox/internal/infrastructure/config"
)

const (
	// ServiceType is the DNS-SD service type of the HTTP API.
	ServiceType = "_powerbox._tcp"

	// Domain is the mDNS domain.
	Domain = "local."

	// APIPath is advertised in the path TXT record.
	APIPath = "/api/v1"

	// maxInstanceNameLen is the DNS label limit.
	maxInstanceNameLen = 63
)

// ErrInvalidPort is returned when the advertised port is out of range.
var ErrInvalidPort = errors.New("discovery: invalid port")

// Info describes what is advertised.
type Info struct {
	DeviceID string
	Version  string
	Port     int
	TLS      bool

	// Filled in after the board is connected. Optional.
	BoardName        string
	HardwareRevision string
}

// TXTRecords returns the TXT strings for info, sorted by key.
func TXTRecords(info Info) []string {
	records := map[string]string{
		"id":      info.DeviceID,
		"version": info.Version,
		"path":    APIPath,
		"tls":     "0",
	}
	if info.TLS {
		records["tls"] = "1"
	}
	if info.BoardName != "" {
		records["board"] = info.BoardName
	}
	if info.HardwareRevision != "" {
		records["rev"] = info.HardwareRevision
	}

	out := make([]string, 0, len(records))
	for k, v := range records {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// registration is a running advertisement.
type registration struct {
	shutdown func()
}

// registerFunc publishes one service instance.
type registerFunc func(instance, service, domain string, port int, txt []string, ifaces []net.Interface, ttl uint32) (*registration, error)

func zeroconfRegister(instance, service, domain string, port int, txt []string, ifaces []net.Interface, ttl uint32) (*registration, error) {
	var opts []zeroconf.ServerOption
	if ttl > 0 {
		opts = append(opts, zeroconf.TTL(ttl))
	}
	server, err := zeroconf.Register(instance, service, domain, port, txt, ifaces, opts...)
	if err != nil {
		return nil, err
	}
	return &registration{shutdown: func() { server.Shutdown() }}, nil
}

// Logger is the logging interface used by the advertiser.
type Logger interface {
	Info(msg string, args ...any)
}

// Advertiser keeps at most one service instance registered.
//
// Thread Safety: all methods are safe for concurrent use.
type Advertiser struct {
	cfg      config.DiscoveryConfig
	register registerFunc
	lookup   func(name string) (*net.Interface, error)

	mu      sync.Mutex
	current *registration
	info    Info
	logger  Logger
}

// NewAdvertiser returns an advertiser for cfg. Nothing is published until
// Advertise is called.
func NewAdvertiser(cfg config.DiscoveryConfig) *Advertiser {
	return &Advertiser{
		cfg:      cfg,
		register: zeroconfRegister,
		lookup:   net.InterfaceByName,
	}
}

// SetLogger sets the logger.
func (a *Advertiser) SetLogger(l Logger) {
	a.mu.Lock()
	a.logger = l
	a.mu.Unlock()
}

// Advertise publishes info, replacing any previous advertisement.
func (a *Advertiser) Advertise(info Info) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.advertiseLocked(info)
}

// UpdateBoard re-advertises with the connected board's identity.
// It does nothing when nothing is advertised.
func (a *Advertiser) UpdateBoard(name, revision string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == nil || (a.info.BoardName == name && a.info.HardwareRevision == revision) {
		return nil
	}
	info := a.info
	info.BoardName = name
	info.HardwareRevision = revision
	return a.advertiseLocked(info)
}

func (a *Advertiser) advertiseLocked(info Info) error {
	if info.Port < 1 || info.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, info.Port)
	}

	ifaces, err := a.interfaces()
	if err != nil {
		return err
	}

	a.stopLocked()

	instance := a.instanceName(info)
	reg, err := a.register(instance, ServiceType, Domain, info.Port, TXTRecords(info), ifaces, uint32(a.cfg.TTL))
	if err != nil {
		return fmt.Errorf("registering %s: %w", instance, err)
	}
	a.current = reg
	a.info = info

	if a.logger != nil {
		a.logger.Info("mDNS service advertised",
			"instance", instance,
			"service", ServiceType,
			"port", info.Port,
		)
	}
	return nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
}

func (a *Advertiser) stopLocked() {
	if a.current != nil {
		a.current.shutdown()
		a.current = nil
	}
}

func (a *Advertiser) instanceName(info Info) string {
	name := a.cfg.Instance
	if name == "" {
		name = info.DeviceID
	}
	if len(name) > maxInstanceNameLen {
		name = name[:maxInstanceNameLen]
	}
	return name
}

// interfaces returns nil for all interfaces.
func (a *Advertiser) interfaces() ([]net.Interface, error) {
	if a.cfg.Interface == "" {
		return nil, nil
	}
	iface, err := a.lookup(a.cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("interface %q: %w", a.cfg.Interface, err)
	}
	return []net.Interface{*iface}, nil
}
