package discovery

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"filedrop/models"
)

const (
	// EventPeerAppeared is emitted when a peer appears or metadata changes.
	EventPeerAppeared EventType = "peer_appeared"
	// EventPeerDisappeared is emitted when a previously seen peer goes away.
	EventPeerDisappeared EventType = "peer_disappeared"
)

// EventType identifies peer discovery updates.
type EventType string

// Event carries discovery updates for the peer registry.
type Event struct {
	Type EventType
	Peer models.Peer
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Watcher discovers peers with periodic and manual mDNS browse operations.
type Watcher struct {
	cfg Config

	browse browseFunc

	mu    sync.RWMutex
	peers map[string]models.Peer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewWatcher creates a watcher with config defaults applied.
func NewWatcher(config Config) (*Watcher, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForWatch(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Watcher{
		cfg:             cfg,
		browse:          browse,
		peers:           make(map[string]models.Peer),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background peer scanning.
func (w *Watcher) Start() error {
	w.startOnce.Do(func() {
		w.ctx, w.cancel = context.WithCancel(context.Background())
		w.wg.Add(1)
		go w.loop()
	})
	return nil
}

// Stop stops background scanning.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
		close(w.events)
	})
}

// Events provides asynchronous discovery updates.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Refresh triggers an immediate scan.
func (w *Watcher) Refresh(ctx context.Context) error {
	if w.ctx == nil {
		return errors.New("watcher is not started")
	}

	req := refreshRequest{
		ctx:  ctx,
		done: make(chan error, 1),
	}

	select {
	case w.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return errors.New("watcher is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-w.ctx.Done():
		return errors.New("watcher is stopped")
	}
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	// Prime the available peer list immediately.
	w.runScan(context.Background())

	ticker := time.NewTicker(w.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runScan(context.Background())
		case req := <-w.refreshRequests:
			req.done <- w.runScan(req.ctx)
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(w.ctx, w.cfg.ScanTimeout)
	defer cancel()

	if requestCtx != nil {
		go func() {
			select {
			case <-requestCtx.Done():
				cancel()
			case <-scanCtx.Done():
			}
		}()
	}

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]models.Peer)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, w.cfg.SelfServiceName)
				if !ok {
					continue
				}
				collectedMu.Lock()
				collected[peer.Name] = peer
				collectedMu.Unlock()
			}
		}
	}()

	browseErr := w.browse(scanCtx, w.cfg.Service, w.cfg.Domain, entries)
	if browseErr != nil {
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	collectedMu.Lock()
	next := collected
	collectedMu.Unlock()

	w.applySnapshot(next)

	// A timeout just means this scan window ended naturally.
	if err := scanCtx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (w *Watcher) applySnapshot(next map[string]models.Peer) {
	w.mu.Lock()
	defer w.mu.Unlock()

	previous := w.peers
	w.peers = next

	for name, peer := range next {
		old, exists := previous[name]
		if !exists || !peersEqual(old, peer) {
			w.emitEvent(Event{Type: EventPeerAppeared, Peer: peer})
		}
	}

	for name, peer := range previous {
		if _, exists := next[name]; !exists {
			w.emitEvent(Event{Type: EventPeerDisappeared, Peer: peer})
		}
	}
}

func (w *Watcher) emitEvent(event Event) {
	select {
	case w.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfServiceName string) (models.Peer, bool) {
	name := strings.TrimSpace(entry.Instance)
	if name == "" || name == selfServiceName {
		return models.Peer{}, false
	}
	if !ServiceNamePattern.MatchString(name) {
		return models.Peer{}, false
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if raw == "" {
			continue
		}
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	httpPort := 0
	for _, record := range entry.Text {
		key, value, found := strings.Cut(record, "=")
		if !found || key != "http_port" {
			continue
		}
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && parsed > 0 {
			httpPort = parsed
		}
	}

	return models.Peer{
		Name:      name,
		Host:      entry.HostName,
		Addresses: addresses,
		Port:      entry.Port,
		HTTPPort:  httpPort,
	}, true
}

func peersEqual(a, b models.Peer) bool {
	if a.Name != b.Name || a.Host != b.Host || a.Port != b.Port || a.HTTPPort != b.HTTPPort || len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
