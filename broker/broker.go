// Package broker drives reliable delivery of transfer requests,
// acknowledgments, and decisions over the negotiation channel. It owns the
// transfer record store and all per-transfer retry timers.
package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"filedrop/wire"
)

const (
	// DefaultRetryInterval is the request resend cadence.
	DefaultRetryInterval = 2 * time.Second
	// DefaultMaxAttempts bounds request delivery attempts.
	DefaultMaxAttempts = 5
	// DefaultDecisionTimeout bounds the wait for a human decision.
	DefaultDecisionTimeout = 5 * time.Minute
	// DefaultResponseRetryInterval is the decision resend cadence.
	DefaultResponseRetryInterval = 2 * time.Second
	// DefaultResponseMaxAttempts bounds decision delivery attempts.
	DefaultResponseMaxAttempts = 5
	// DefaultResponseWallTimeout bounds total decision delivery time.
	DefaultResponseWallTimeout = 10 * time.Second
	// DefaultRecordRetention bounds how long resolved records are kept.
	DefaultRecordRetention = 10 * time.Minute
	// DefaultSweepInterval is the record retention sweep cadence.
	DefaultSweepInterval = time.Minute
)

// Status event types delivered to the lifecycle state machine.
const (
	EventAccepted       EventType = "accepted"
	EventDeclined       EventType = "declined"
	EventDeliveryFailed EventType = "delivery_failed"
)

// EventType identifies a status update for one transfer.
type EventType string

// StatusEvent is published when a transfer's negotiation outcome changes.
// Consumers filter by TransferID and ignore transfers they did not initiate.
type StatusEvent struct {
	TransferID string
	Type       EventType
}

// IncomingRequest is surfaced to the notification gateway for a human
// decision.
type IncomingRequest struct {
	TransferID    string
	From          string
	FileCount     int
	TotalSize     int64
	ReturnAddress wire.ReturnAddress
}

// NotificationGateway surfaces incoming requests to a human. Implementations
// must not block; the decision arrives later via RespondTransfer.
type NotificationGateway interface {
	NotifyIncomingRequest(request IncomingRequest)
}

// SeenIDs is the set of already-processed transfer IDs used to absorb
// duplicate request deliveries.
type SeenIDs interface {
	InsertSeenID(transferID string, receivedAt int64) error
	HasSeenID(transferID string) (bool, error)
}

// ErrAlreadyDecided indicates a decision was already sent for a transfer.
var ErrAlreadyDecided = errors.New("broker: transfer already decided")

// ErrUnknownTransfer indicates no record exists for a transfer ID.
var ErrUnknownTransfer = errors.New("broker: unknown transfer")

// Options configures a Broker.
type Options struct {
	// OwnName is this device's display name, sent in requests.
	OwnName string
	// ReturnAddress is this device's negotiation endpoint as peers reach it.
	ReturnAddress wire.ReturnAddress
	// ListenAddress is the local bind address for the negotiation channel.
	// Ignored when Transport is provided explicitly.
	ListenAddress string

	Transport Transport
	Gateway   NotificationGateway
	// Seen persists processed transfer IDs. A process-local set is used
	// when nil.
	Seen SeenIDs

	RetryInterval time.Duration
	MaxAttempts   int

	DecisionTimeout time.Duration

	ResponseRetryInterval time.Duration
	ResponseMaxAttempts   int
	ResponseWallTimeout   time.Duration

	RecordRetention time.Duration
	SweepInterval   time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.RetryInterval <= 0 {
		out.RetryInterval = DefaultRetryInterval
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	if out.DecisionTimeout <= 0 {
		out.DecisionTimeout = DefaultDecisionTimeout
	}
	if out.ResponseRetryInterval <= 0 {
		out.ResponseRetryInterval = DefaultResponseRetryInterval
	}
	if out.ResponseMaxAttempts <= 0 {
		out.ResponseMaxAttempts = DefaultResponseMaxAttempts
	}
	if out.ResponseWallTimeout <= 0 {
		out.ResponseWallTimeout = DefaultResponseWallTimeout
	}
	if out.RecordRetention <= 0 {
		out.RecordRetention = DefaultRecordRetention
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	return out
}

// Broker owns transfer negotiation on both the sending and receiving side.
type Broker struct {
	options Options

	store    *RecordStore
	listener *Listener

	events chan StatusEvent
	errs   chan error

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	timerMu        sync.Mutex
	retryCancels   map[string]context.CancelFunc
	decisionTimers map[string]*time.Timer

	processMu sync.Mutex
	memSeen   map[string]struct{}
}

// New creates a broker with validated configuration.
func New(options Options) (*Broker, error) {
	if options.OwnName == "" {
		return nil, errors.New("own device name is required")
	}
	if options.ReturnAddress.Host == "" || options.ReturnAddress.Port <= 0 {
		return nil, errors.New("return address is required")
	}
	opts := options.withDefaults()

	return &Broker{
		options:        opts,
		store:          NewRecordStore(),
		events:         make(chan StatusEvent, 128),
		errs:           make(chan error, 64),
		retryCancels:   make(map[string]context.CancelFunc),
		decisionTimers: make(map[string]*time.Timer),
		memSeen:        make(map[string]struct{}),
	}, nil
}

// Start opens the negotiation listener (unless a transport was injected) and
// begins the record retention sweep.
func (b *Broker) Start() error {
	if b.ctx != nil {
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())

	if b.options.Transport == nil {
		listener, err := Listen(b.options.ListenAddress, b)
		if err != nil {
			return err
		}
		b.listener = listener
		b.options.Transport = NewTCPTransport(listener)

		b.wg.Add(1)
		go b.listenerErrorLoop()
	}

	b.wg.Add(1)
	go b.sweepLoop()
	return nil
}

// Stop cancels all timers and closes the broker's channels.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		if b.cancel == nil {
			return
		}
		b.cancel()

		b.timerMu.Lock()
		for _, cancel := range b.retryCancels {
			cancel()
		}
		b.retryCancels = make(map[string]context.CancelFunc)
		for _, timer := range b.decisionTimers {
			timer.Stop()
		}
		b.decisionTimers = make(map[string]*time.Timer)
		b.timerMu.Unlock()

		if b.listener != nil {
			_ = b.listener.Close()
		}

		b.wg.Wait()
		close(b.events)
		close(b.errs)
	})
}

// Events delivers status updates for transfers this device initiated, plus
// delivery-failure notifications.
func (b *Broker) Events() <-chan StatusEvent {
	return b.events
}

// Errors returns asynchronous broker errors.
func (b *Broker) Errors() <-chan error {
	return b.errs
}

// GetRecord returns a copy of one negotiation record.
func (b *Broker) GetRecord(transferID string) (Record, bool) {
	return b.store.Get(transferID)
}

// NewTransferID generates a process-unique transfer identifier.
func NewTransferID() string {
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("transfer-%d-%s", time.Now().UnixMilli(), suffix)
}

// ProposeTransfer sends a transfer request to a peer's negotiation endpoint
// and arms the per-record retry timer. The caller supplies the transfer ID
// (see NewTransferID) so it can register its own state for that ID before any
// response can arrive; the outcome is delivered later as a StatusEvent.
func (b *Broker) ProposeTransfer(transferID, peerName, peerAddr string, fileCount int, totalSize int64) error {
	if b.ctx == nil {
		return errors.New("broker is not started")
	}
	if transferID == "" {
		return errors.New("transfer ID is required")
	}
	if peerAddr == "" {
		return errors.New("peer address is required")
	}
	if fileCount <= 0 {
		return errors.New("file count must be > 0")
	}

	record := Record{
		TransferID: transferID,
		Direction:  DirectionOutbound,
		From:       b.options.OwnName,
		PeerName:   peerName,
		FileCount:  fileCount,
		TotalSize:  totalSize,
		Status:     StatusPending,
		CreatedAt:  time.Now(),
	}
	if !b.store.Put(record) {
		return fmt.Errorf("transfer ID collision for %q", transferID)
	}

	request := wire.TransferRequest{
		Type:          wire.TypeTransferRequest,
		TransferID:    transferID,
		From:          b.options.OwnName,
		FileCount:     fileCount,
		TotalSize:     totalSize,
		ReturnAddress: b.options.ReturnAddress,
		Timestamp:     time.Now().UnixMilli(),
	}

	retryCtx, cancel := context.WithCancel(b.ctx)
	b.timerMu.Lock()
	b.retryCancels[transferID] = cancel
	b.timerMu.Unlock()

	b.wg.Add(1)
	go b.requestRetryLoop(retryCtx, transferID, peerAddr, request)

	return nil
}

// requestRetryLoop resends the identical request every retry interval until
// the record is acknowledged, terminal, or out of attempts.
func (b *Broker) requestRetryLoop(ctx context.Context, transferID, peerAddr string, request wire.TransferRequest) {
	defer b.wg.Done()
	defer b.cancelRetry(transferID)

	ticker := time.NewTicker(b.options.RetryInterval)
	defer ticker.Stop()

	for {
		record, ok := b.store.Get(transferID)
		if !ok || record.Acknowledged || record.Terminal() {
			return
		}
		if record.AttemptCount >= b.options.MaxAttempts {
			// Abandoned, not declined: the record stays pending and the
			// caller learns delivery failed.
			b.emitEvent(StatusEvent{TransferID: transferID, Type: EventDeliveryFailed})
			return
		}

		b.store.Update(transferID, func(r *Record) {
			r.AttemptCount++
			r.LastAttemptAt = time.Now()
		})
		if err := b.options.Transport.SendRequest(peerAddr, request); err != nil {
			b.reportError(fmt.Errorf("send transfer request %q: %w", transferID, err))
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// HandleRequest processes an inbound transfer request (receiver side).
// Duplicate deliveries re-send the acknowledgment and nothing else.
func (b *Broker) HandleRequest(msg wire.TransferRequest) {
	if msg.TransferID == "" || msg.ReturnAddress.Host == "" || msg.ReturnAddress.Port <= 0 {
		return
	}

	b.processMu.Lock()
	seen, err := b.hasSeenLocked(msg.TransferID)
	if err != nil {
		b.processMu.Unlock()
		b.reportError(err)
		return
	}
	if !seen {
		if err := b.markSeenLocked(msg.TransferID); err != nil {
			b.processMu.Unlock()
			b.reportError(err)
			return
		}
	}
	b.processMu.Unlock()

	b.sendAck(msg)
	if seen {
		return
	}

	record := Record{
		TransferID:    msg.TransferID,
		Direction:     DirectionInbound,
		From:          msg.From,
		PeerName:      msg.From,
		ReturnAddress: msg.ReturnAddress,
		FileCount:     msg.FileCount,
		TotalSize:     msg.TotalSize,
		Status:        StatusPending,
		CreatedAt:     time.Now(),
	}
	b.store.Put(record)

	b.armDecisionTimeout(msg.TransferID)

	if b.options.Gateway != nil {
		b.options.Gateway.NotifyIncomingRequest(IncomingRequest{
			TransferID:    msg.TransferID,
			From:          msg.From,
			FileCount:     msg.FileCount,
			TotalSize:     msg.TotalSize,
			ReturnAddress: msg.ReturnAddress,
		})
	}
}

// HandleAck stops request retries for the transfer. Acknowledgment only
// confirms receipt; it does not imply acceptance.
func (b *Broker) HandleAck(msg wire.TransferRequestAck) {
	if msg.TransferID == "" {
		return
	}

	b.store.Update(msg.TransferID, func(r *Record) {
		r.Acknowledged = true
		if r.Status == StatusPending {
			r.Status = StatusAcknowledged
		}
	})
	b.cancelRetry(msg.TransferID)
}

// HandleResponse processes a decision delivered directly to this device.
func (b *Broker) HandleResponse(msg wire.TransferResponse) {
	if msg.TransferID == "" {
		return
	}
	b.resolveDecision(msg.TransferID, msg.Accepted)
}

// HandleStatus processes a broadcast decision. Transfers this device did not
// initiate are ignored.
func (b *Broker) HandleStatus(msg wire.TransferStatus) {
	if msg.TransferID == "" {
		return
	}
	switch msg.Status {
	case wire.StatusAccepted:
		b.resolveDecision(msg.TransferID, true)
	case wire.StatusDeclined:
		b.resolveDecision(msg.TransferID, false)
	}
}

// RespondTransfer records the human decision for an inbound request and
// delivers it to the requester with retries and a broadcast fallback.
func (b *Broker) RespondTransfer(transferID string, accepted bool) error {
	if b.ctx == nil {
		return errors.New("broker is not started")
	}
	record, ok := b.store.Get(transferID)
	if !ok || record.Direction != DirectionInbound {
		return fmt.Errorf("%w: %q", ErrUnknownTransfer, transferID)
	}
	if record.Terminal() {
		return fmt.Errorf("%w: %q", ErrAlreadyDecided, transferID)
	}

	b.cancelDecisionTimeout(transferID)

	status := statusForDecision(accepted)
	b.store.Update(transferID, func(r *Record) {
		r.Status = status
	})

	response := wire.TransferResponse{
		Type:       wire.TypeTransferResponse,
		TransferID: transferID,
		Accepted:   accepted,
		Timestamp:  time.Now().UnixMilli(),
	}

	b.wg.Add(1)
	go b.responseDeliveryLoop(record.ReturnAddress.HostPort(), response)

	return nil
}

func statusForDecision(accepted bool) string {
	if accepted {
		return StatusAccepted
	}
	return StatusDeclined
}

// responseDeliveryLoop redials the requester on a fixed cadence until one
// direct send lands, or it runs out of attempts or wall time. If no direct
// send ever connects, the decision is broadcast best-effort instead.
func (b *Broker) responseDeliveryLoop(addr string, response wire.TransferResponse) {
	defer b.wg.Done()

	deadline := time.NewTimer(b.options.ResponseWallTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(b.options.ResponseRetryInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < b.options.ResponseMaxAttempts; attempt++ {
		if err := b.options.Transport.TryDirect(addr, response); err != nil {
			b.reportError(fmt.Errorf("send transfer response %q: %w", response.TransferID, err))
		} else {
			// Framed writes confirm receipt; one delivery is enough.
			return
		}

		select {
		case <-ticker.C:
		case <-deadline.C:
			attempt = b.options.ResponseMaxAttempts
		case <-b.ctx.Done():
			return
		}
	}

	status := wire.TransferStatus{
		Type:       wire.TypeTransferStatus,
		TransferID: response.TransferID,
		Status:     wire.StatusDeclined,
		Timestamp:  time.Now().UnixMilli(),
	}
	if response.Accepted {
		status.Status = wire.StatusAccepted
	}
	if err := b.options.Transport.BroadcastFallback(status); err != nil {
		// The decision is lost; the sender will see it as a delivery
		// failure after its own retries lapse.
		b.reportError(fmt.Errorf("broadcast transfer status %q: %w", response.TransferID, err))
	}
}

// Abandon discards an outbound record and stops its retries. Nothing is sent
// on the wire; the receiver's pending decision expires naturally.
func (b *Broker) Abandon(transferID string) {
	b.cancelRetry(transferID)
	b.cancelDecisionTimeout(transferID)
	b.store.Delete(transferID)
}

func (b *Broker) resolveDecision(transferID string, accepted bool) {
	status := statusForDecision(accepted)

	transitioned := false
	b.store.Update(transferID, func(r *Record) {
		if r.Direction != DirectionOutbound || r.Terminal() {
			// First terminal status wins; a retried response is the same
			// decision, not a new one.
			return
		}
		r.Status = status
		transitioned = true
	})
	if !transitioned {
		return
	}

	b.cancelRetry(transferID)

	eventType := EventDeclined
	if accepted {
		eventType = EventAccepted
	}
	b.emitEvent(StatusEvent{TransferID: transferID, Type: eventType})
}

func (b *Broker) sendAck(msg wire.TransferRequest) {
	ack := wire.TransferRequestAck{
		Type:       wire.TypeTransferRequestAck,
		TransferID: msg.TransferID,
		Timestamp:  time.Now().UnixMilli(),
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.options.Transport.SendAck(msg.ReturnAddress.HostPort(), ack); err != nil {
			b.reportError(fmt.Errorf("send ack for %q: %w", msg.TransferID, err))
		}
	}()
}

func (b *Broker) armDecisionTimeout(transferID string) {
	timer := time.AfterFunc(b.options.DecisionTimeout, func() {
		b.timerMu.Lock()
		delete(b.decisionTimers, transferID)
		b.timerMu.Unlock()

		// Implicitly never answered: no decline goes to the sender.
		b.store.Update(transferID, func(r *Record) {
			if !r.Terminal() {
				r.Status = StatusExpired
			}
		})
	})

	b.timerMu.Lock()
	b.decisionTimers[transferID] = timer
	b.timerMu.Unlock()
}

func (b *Broker) cancelDecisionTimeout(transferID string) {
	b.timerMu.Lock()
	timer, exists := b.decisionTimers[transferID]
	if exists {
		delete(b.decisionTimers, transferID)
	}
	b.timerMu.Unlock()
	if exists {
		timer.Stop()
	}
}

func (b *Broker) cancelRetry(transferID string) {
	b.timerMu.Lock()
	cancel, exists := b.retryCancels[transferID]
	if exists {
		delete(b.retryCancels, transferID)
	}
	b.timerMu.Unlock()
	if exists {
		cancel()
	}
}

func (b *Broker) sweepLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.options.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-b.options.RecordRetention)
			for _, transferID := range b.store.PruneOlderThan(cutoff) {
				b.cancelRetry(transferID)
				b.cancelDecisionTimeout(transferID)
			}
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Broker) listenerErrorLoop() {
	defer b.wg.Done()

	for {
		select {
		case err, ok := <-b.listener.Errors():
			if !ok {
				return
			}
			b.reportError(err)
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Broker) hasSeenLocked(transferID string) (bool, error) {
	if _, exists := b.memSeen[transferID]; exists {
		return true, nil
	}
	if b.options.Seen == nil {
		return false, nil
	}
	seen, err := b.options.Seen.HasSeenID(transferID)
	if err != nil {
		return false, fmt.Errorf("check seen transfer ID: %w", err)
	}
	return seen, nil
}

func (b *Broker) markSeenLocked(transferID string) error {
	b.memSeen[transferID] = struct{}{}
	if b.options.Seen == nil {
		return nil
	}
	if err := b.options.Seen.InsertSeenID(transferID, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("insert seen transfer ID: %w", err)
	}
	return nil
}

func (b *Broker) emitEvent(event StatusEvent) {
	select {
	case b.events <- event:
	default:
	}
}

func (b *Broker) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case b.errs <- err:
	default:
	}
}
