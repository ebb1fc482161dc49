// Package session tracks the lifecycle of outbound transfers from the first
// request through payload delivery, reacting to negotiation outcomes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"filedrop/broker"
	"filedrop/models"
)

// Lifecycle states of an outbound transfer.
const (
	StatePreparing        State = "preparing"
	StateAwaitingApproval State = "awaiting_approval"
	StateInProgress       State = "in_progress"
	StateCompleted        State = "completed"
	StateDeclined         State = "declined"
	StateError            State = "error"
	StateCancelled        State = "cancelled"
)

// State is one lifecycle state of an outbound transfer.
type State string

// terminal reports whether no further transitions are allowed from s.
func (s State) terminal() bool {
	switch s {
	case StateCompleted, StateDeclined, StateError, StateCancelled:
		return true
	}
	return false
}

// Session is a point-in-time snapshot of one outbound transfer.
type Session struct {
	TransferID string
	PeerName   string
	Files      []string
	FileCount  int
	TotalSize  int64
	// Destination is the peer endpoint that receives the payload once the
	// transfer is approved.
	Destination string

	State State
	// DeliveryFailed is set when the request could not be delivered; the
	// session stays open so the user can retry or cancel.
	DeliveryFailed bool
	// Progress is payload delivery progress, 0 to 100.
	Progress int
	Err      string

	StartedAt  time.Time
	ResolvedAt time.Time
}

// Negotiator is the request/decision side of the transfer protocol. The
// caller picks the transfer ID so its session exists before any outcome can
// come back.
type Negotiator interface {
	ProposeTransfer(transferID, peerName, peerAddr string, fileCount int, totalSize int64) error
	Abandon(transferID string)
}

// PayloadChannel delivers the actual file payload once a transfer is
// approved. Progress is reported as a percentage of total bytes.
type PayloadChannel interface {
	Send(ctx context.Context, transferID string, files []string, destination string, progress func(percent int)) error
}

// History persists resolved transfers. Recording failures are logged, never
// fatal.
type History interface {
	RecordTransfer(transfer models.Transfer) error
}

// ErrUnknownSession indicates no session exists for a transfer ID.
var ErrUnknownSession = errors.New("session: unknown transfer")

// Options configures a Coordinator.
type Options struct {
	Negotiator Negotiator
	Payload    PayloadChannel
	// History is optional.
	History History
}

// Coordinator owns all outbound transfer sessions and applies negotiation
// outcomes to them in order.
type Coordinator struct {
	options Options

	mu             sync.Mutex
	sessions       map[string]*Session
	payloadCancels map[string]context.CancelFunc

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewCoordinator creates a coordinator with validated configuration.
func NewCoordinator(options Options) (*Coordinator, error) {
	if options.Negotiator == nil {
		return nil, errors.New("negotiator is required")
	}
	if options.Payload == nil {
		return nil, errors.New("payload channel is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		options:        options,
		sessions:       make(map[string]*Session),
		payloadCancels: make(map[string]context.CancelFunc),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// Run consumes negotiation events until the channel closes or the coordinator
// stops. It is meant to run as a goroutine.
func (c *Coordinator) Run(events <-chan broker.StatusEvent) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			c.apply(event)
		case <-c.ctx.Done():
			return
		}
	}
}

// Stop cancels in-flight payload deliveries and waits for them to finish.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()

		c.mu.Lock()
		for _, cancelPayload := range c.payloadCancels {
			cancelPayload()
		}
		c.payloadCancels = make(map[string]context.CancelFunc)
		c.mu.Unlock()

		c.wg.Wait()
	})
}

// SendFiles proposes a transfer of the given files to a peer and opens a
// session for it. The destination is where the payload goes once approved.
func (c *Coordinator) SendFiles(peerName, peerAddr, destination string, files []string, totalSize int64) (string, error) {
	if len(files) == 0 {
		return "", errors.New("at least one file is required")
	}

	transferID := broker.NewTransferID()
	session := &Session{
		TransferID:  transferID,
		PeerName:    peerName,
		Files:       append([]string(nil), files...),
		FileCount:   len(files),
		TotalSize:   totalSize,
		Destination: destination,
		State:       StatePreparing,
		StartedAt:   time.Now(),
	}

	// The session must be registered before the request goes out; a peer can
	// accept in the gap between the send and the return of the call.
	c.mu.Lock()
	session.State = StateAwaitingApproval
	c.sessions[transferID] = session
	c.mu.Unlock()

	if err := c.options.Negotiator.ProposeTransfer(transferID, peerName, peerAddr, len(files), totalSize); err != nil {
		c.mu.Lock()
		delete(c.sessions, transferID)
		c.mu.Unlock()
		return "", fmt.Errorf("propose transfer to %q: %w", peerName, err)
	}

	return transferID, nil
}

// Cancel withdraws a transfer locally. Nothing is sent to the peer; its
// pending decision expires on its own. Outcomes arriving after cancellation
// are dropped.
func (c *Coordinator) Cancel(transferID string) error {
	c.mu.Lock()
	session, exists := c.sessions[transferID]
	if !exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownSession, transferID)
	}
	if session.State.terminal() {
		c.mu.Unlock()
		return nil
	}
	session.State = StateCancelled
	session.ResolvedAt = time.Now()
	cancelPayload, hasPayload := c.payloadCancels[transferID]
	if hasPayload {
		delete(c.payloadCancels, transferID)
	}
	snapshot := *session
	c.mu.Unlock()

	if hasPayload {
		cancelPayload()
	}
	c.options.Negotiator.Abandon(transferID)
	c.recordHistory(snapshot)
	return nil
}

// Dismiss removes a resolved session from the list. Active sessions must be
// cancelled first.
func (c *Coordinator) Dismiss(transferID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, exists := c.sessions[transferID]
	if !exists {
		return fmt.Errorf("%w: %q", ErrUnknownSession, transferID)
	}
	if !session.State.terminal() {
		return fmt.Errorf("transfer %q is still active", transferID)
	}
	delete(c.sessions, transferID)
	return nil
}

// GetSession returns a snapshot of one session.
func (c *Coordinator) GetSession(transferID string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, exists := c.sessions[transferID]
	if !exists {
		return Session{}, false
	}
	return cloneSession(session), true
}

// Sessions returns snapshots of all sessions, newest first.
func (c *Coordinator) Sessions() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Session, 0, len(c.sessions))
	for _, session := range c.sessions {
		out = append(out, cloneSession(session))
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].StartedAt.After(out[j-1].StartedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func (c *Coordinator) apply(event broker.StatusEvent) {
	switch event.Type {
	case broker.EventAccepted:
		c.onAccepted(event.TransferID)
	case broker.EventDeclined:
		c.onDeclined(event.TransferID)
	case broker.EventDeliveryFailed:
		c.onDeliveryFailed(event.TransferID)
	}
}

// onAccepted moves the session to in-progress exactly once and starts payload
// delivery. A repeated acceptance for the same transfer changes nothing.
func (c *Coordinator) onAccepted(transferID string) {
	c.mu.Lock()
	session, exists := c.sessions[transferID]
	if !exists || session.State != StateAwaitingApproval {
		c.mu.Unlock()
		return
	}
	session.State = StateInProgress
	session.DeliveryFailed = false

	payloadCtx, cancelPayload := context.WithCancel(c.ctx)
	c.payloadCancels[transferID] = cancelPayload
	files := append([]string(nil), session.Files...)
	destination := session.Destination
	c.mu.Unlock()

	c.wg.Add(1)
	go c.deliverPayload(payloadCtx, transferID, files, destination)
}

func (c *Coordinator) onDeclined(transferID string) {
	c.mu.Lock()
	session, exists := c.sessions[transferID]
	if !exists || session.State != StateAwaitingApproval {
		c.mu.Unlock()
		return
	}
	session.State = StateDeclined
	session.ResolvedAt = time.Now()
	snapshot := *session
	c.mu.Unlock()

	c.recordHistory(snapshot)
}

// onDeliveryFailed flags the session but leaves it awaiting approval, so the
// failure is distinguishable from a decline.
func (c *Coordinator) onDeliveryFailed(transferID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, exists := c.sessions[transferID]
	if !exists || session.State != StateAwaitingApproval {
		return
	}
	session.DeliveryFailed = true
}

func (c *Coordinator) deliverPayload(ctx context.Context, transferID string, files []string, destination string) {
	defer c.wg.Done()

	progress := func(percent int) {
		c.mu.Lock()
		if session, exists := c.sessions[transferID]; exists && session.State == StateInProgress {
			session.Progress = percent
		}
		c.mu.Unlock()
	}

	err := c.options.Payload.Send(ctx, transferID, files, destination, progress)

	c.mu.Lock()
	session, exists := c.sessions[transferID]
	if !exists || session.State != StateInProgress {
		// Cancelled while sending; the cancel path already resolved it.
		c.mu.Unlock()
		return
	}
	delete(c.payloadCancels, transferID)
	if err != nil {
		session.State = StateError
		session.Err = err.Error()
	} else {
		session.State = StateCompleted
		session.Progress = 100
	}
	session.ResolvedAt = time.Now()
	snapshot := *session
	c.mu.Unlock()

	c.recordHistory(snapshot)
}

func (c *Coordinator) recordHistory(session Session) {
	if c.options.History == nil {
		return
	}

	transfer := models.Transfer{
		TransferID:  session.TransferID,
		Direction:   models.DirectionSent,
		PeerName:    session.PeerName,
		FileCount:   session.FileCount,
		TotalSize:   session.TotalSize,
		FinalStatus: string(session.State),
		StartedAt:   session.StartedAt.UnixMilli(),
		ResolvedAt:  session.ResolvedAt.UnixMilli(),
	}
	if err := c.options.History.RecordTransfer(transfer); err != nil {
		log.Printf("Failed to record transfer %q: %v", session.TransferID, err)
	}
}

func cloneSession(session *Session) Session {
	out := *session
	out.Files = append([]string(nil), session.Files...)
	return out
}
