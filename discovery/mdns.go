package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// DefaultService is the mDNS service type without domain suffix.
	DefaultService = "_filedrop._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultRefreshInterval is the background peer discovery interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each discovery scan.
	DefaultScanTimeout = 3 * time.Second
)

// ServiceNamePattern matches advertised instance names this app recognizes.
// Anything else on the same service type is ignored.
var ServiceNamePattern = regexp.MustCompile(`^FileShare-[a-z0-9]{4}$`)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS broadcaster and watcher behavior.
type Config struct {
	Service         string
	Domain          string
	RefreshInterval time.Duration
	ScanTimeout     time.Duration

	// SelfServiceName is the local advertised instance name; the watcher
	// filters it out so a device never discovers itself.
	SelfServiceName string
	DeviceName      string
	NegotiationPort int
	// HTTPPort is announced in the TXT record so peers know where to send
	// payloads. Optional; peers fall back to the standard port when absent.
	HTTPPort int

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForBroadcast() error {
	if strings.TrimSpace(c.SelfServiceName) == "" {
		return errors.New("self service name is required")
	}
	if !ServiceNamePattern.MatchString(c.SelfServiceName) {
		return fmt.Errorf("service name %q does not match the advertised pattern", c.SelfServiceName)
	}
	if c.NegotiationPort <= 0 {
		return errors.New("negotiation port must be > 0")
	}
	return nil
}

func (c Config) validateForWatch() error {
	if strings.TrimSpace(c.SelfServiceName) == "" {
		return errors.New("self service name is required")
	}
	return nil
}

// Broadcaster advertises local device presence via mDNS.
type Broadcaster struct {
	server *zeroconf.Server
}

// StartBroadcaster registers and starts mDNS broadcast.
func StartBroadcaster(config Config) (*Broadcaster, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForBroadcast(); err != nil {
		return nil, err
	}

	txt := []string{
		"device_name=" + cfg.DeviceName,
	}
	if cfg.HTTPPort > 0 {
		txt = append(txt, "http_port="+strconv.Itoa(cfg.HTTPPort))
	}

	server, err := cfg.registerFn(cfg.SelfServiceName, cfg.Service, cfg.Domain, cfg.NegotiationPort, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	return &Broadcaster{server: server}, nil
}

// Stop stops mDNS broadcasting.
func (b *Broadcaster) Stop() {
	if b == nil || b.server == nil {
		return
	}
	b.server.Shutdown()
}

// Service coordinates mDNS broadcast and watching.
type Service struct {
	Broadcaster *Broadcaster
	Watcher     *Watcher
}

// Start starts broadcaster and watcher using one config.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	broadcaster, err := StartBroadcaster(cfg)
	if err != nil {
		return nil, err
	}

	watcher, err := NewWatcher(cfg)
	if err != nil {
		broadcaster.Stop()
		return nil, err
	}
	if err := watcher.Start(); err != nil {
		broadcaster.Stop()
		return nil, err
	}

	return &Service{
		Broadcaster: broadcaster,
		Watcher:     watcher,
	}, nil
}

// Stop stops watcher and broadcaster.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Watcher != nil {
		s.Watcher.Stop()
	}
	if s.Broadcaster != nil {
		s.Broadcaster.Stop()
	}
}
