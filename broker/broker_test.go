package broker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"filedrop/wire"
)

type fakeTransport struct {
	mu         sync.Mutex
	requests   []wire.TransferRequest
	acks       []wire.TransferRequestAck
	direct     []wire.TransferResponse
	broadcasts []wire.TransferStatus

	requestErr error
	directErr  error
}

func (f *fakeTransport) SendRequest(addr string, msg wire.TransferRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, msg)
	return f.requestErr
}

func (f *fakeTransport) SendAck(addr string, msg wire.TransferRequestAck) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, msg)
	return nil
}

func (f *fakeTransport) TryDirect(addr string, msg wire.TransferResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.directErr != nil {
		return f.directErr
	}
	f.direct = append(f.direct, msg)
	return nil
}

func (f *fakeTransport) BroadcastFallback(msg wire.TransferStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broadcasts = append(f.broadcasts, msg)
	return nil
}

func (f *fakeTransport) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeTransport) ackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks)
}

func (f *fakeTransport) directCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.direct)
}

func (f *fakeTransport) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

type fakeGateway struct {
	mu       sync.Mutex
	requests []IncomingRequest
}

func (f *fakeGateway) NotifyIncomingRequest(request IncomingRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, request)
}

func (f *fakeGateway) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestBroker(t *testing.T, transport Transport, gateway NotificationGateway) *Broker {
	t.Helper()

	b, err := New(Options{
		OwnName:               "Test Device",
		ReturnAddress:         wire.ReturnAddress{Host: "127.0.0.1", Port: 5051},
		Transport:             transport,
		Gateway:               gateway,
		RetryInterval:         20 * time.Millisecond,
		MaxAttempts:           3,
		DecisionTimeout:       time.Hour,
		ResponseRetryInterval: 10 * time.Millisecond,
		ResponseMaxAttempts:   2,
		ResponseWallTimeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(b.Stop)
	return b
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func waitForEvent(t *testing.T, b *Broker, timeout time.Duration) StatusEvent {
	t.Helper()

	select {
	case event := <-b.Events():
		return event
	case <-time.After(timeout):
		t.Fatal("no status event before timeout")
		return StatusEvent{}
	}
}

func inboundRequest(transferID string) wire.TransferRequest {
	return wire.TransferRequest{
		Type:       wire.TypeTransferRequest,
		TransferID: transferID,
		From:       "Peer Device",
		FileCount:  2,
		TotalSize:  2048,
		ReturnAddress: wire.ReturnAddress{
			Host: "127.0.0.1",
			Port: 6051,
		},
	}
}

func TestProposeTransferRetriesUntilAcknowledged(t *testing.T) {
	transport := &fakeTransport{}
	b := newTestBroker(t, transport, nil)

	transferID := NewTransferID()
	if err := b.ProposeTransfer(transferID, "Peer Device", "127.0.0.1:6051", 1, 512); err != nil {
		t.Fatalf("ProposeTransfer failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return transport.requestCount() >= 2
	})

	b.HandleAck(wire.TransferRequestAck{Type: wire.TypeTransferRequestAck, TransferID: transferID})

	record, found := b.GetRecord(transferID)
	if !found {
		t.Fatal("expected record to exist")
	}
	if !record.Acknowledged || record.Status != StatusAcknowledged {
		t.Fatalf("expected acknowledged record, got %+v", record)
	}

	settled := transport.requestCount()
	time.Sleep(80 * time.Millisecond)
	if final := transport.requestCount(); final > settled+1 {
		t.Fatalf("expected retries to stop after ack, count went %d -> %d", settled, final)
	}
}

func TestProposeTransferResendsIdenticalRequest(t *testing.T) {
	transport := &fakeTransport{}
	b := newTestBroker(t, transport, nil)

	if err := b.ProposeTransfer(NewTransferID(), "Peer Device", "127.0.0.1:6051", 3, 9000); err != nil {
		t.Fatalf("ProposeTransfer failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return transport.requestCount() >= 2
	})

	transport.mu.Lock()
	defer transport.mu.Unlock()
	first := transport.requests[0]
	for _, request := range transport.requests[1:] {
		if request != first {
			t.Fatalf("expected identical retries, got %+v vs %+v", request, first)
		}
	}
}

func TestProposeTransferGivesUpAfterMaxAttempts(t *testing.T) {
	transport := &fakeTransport{requestErr: errors.New("unreachable")}
	b := newTestBroker(t, transport, nil)

	transferID := NewTransferID()
	if err := b.ProposeTransfer(transferID, "Peer Device", "127.0.0.1:6051", 1, 512); err != nil {
		t.Fatalf("ProposeTransfer failed: %v", err)
	}

	event := waitForEvent(t, b, time.Second)
	if event.Type != EventDeliveryFailed || event.TransferID != transferID {
		t.Fatalf("expected delivery_failed for %q, got %+v", transferID, event)
	}

	if count := transport.requestCount(); count != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", count)
	}

	// Delivery failure is not a decline: the record survives unresolved.
	record, found := b.GetRecord(transferID)
	if !found {
		t.Fatal("expected record to survive delivery failure")
	}
	if record.Terminal() {
		t.Fatalf("expected non-terminal record, got status %q", record.Status)
	}
}

func TestHandleRequestNotifiesOncePerTransfer(t *testing.T) {
	transport := &fakeTransport{}
	gateway := &fakeGateway{}
	b := newTestBroker(t, transport, gateway)

	request := inboundRequest("transfer-dup")
	b.HandleRequest(request)
	b.HandleRequest(request)
	b.HandleRequest(request)

	// Every delivery is acknowledged, even duplicates.
	waitForCondition(t, time.Second, func() bool {
		return transport.ackCount() == 3
	})

	if gateway.count() != 1 {
		t.Fatalf("expected exactly 1 notification, got %d", gateway.count())
	}

	record, found := b.GetRecord("transfer-dup")
	if !found {
		t.Fatal("expected inbound record to exist")
	}
	if record.Direction != DirectionInbound || record.Status != StatusPending {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestHandleRequestIgnoresMalformedMessages(t *testing.T) {
	transport := &fakeTransport{}
	gateway := &fakeGateway{}
	b := newTestBroker(t, transport, gateway)

	b.HandleRequest(wire.TransferRequest{Type: wire.TypeTransferRequest})
	b.HandleRequest(wire.TransferRequest{Type: wire.TypeTransferRequest, TransferID: "transfer-no-return"})

	time.Sleep(50 * time.Millisecond)
	if gateway.count() != 0 || transport.ackCount() != 0 {
		t.Fatal("expected malformed requests to be dropped")
	}
}

func TestRespondTransferDeliversDecisionDirectly(t *testing.T) {
	transport := &fakeTransport{}
	gateway := &fakeGateway{}
	b := newTestBroker(t, transport, gateway)

	b.HandleRequest(inboundRequest("transfer-1"))

	if err := b.RespondTransfer("transfer-1", true); err != nil {
		t.Fatalf("RespondTransfer failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return transport.directCount() >= 1
	})

	transport.mu.Lock()
	response := transport.direct[0]
	transport.mu.Unlock()
	if !response.Accepted || response.TransferID != "transfer-1" {
		t.Fatalf("unexpected response %+v", response)
	}

	record, _ := b.GetRecord("transfer-1")
	if record.Status != StatusAccepted {
		t.Fatalf("expected accepted record, got %q", record.Status)
	}
}

func TestRespondTransferStopsAfterFirstDelivery(t *testing.T) {
	transport := &fakeTransport{}
	b := newTestBroker(t, transport, &fakeGateway{})

	b.HandleRequest(inboundRequest("transfer-1"))

	if err := b.RespondTransfer("transfer-1", true); err != nil {
		t.Fatalf("RespondTransfer failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return transport.directCount() == 1
	})

	// The decision landed; no redials and no broadcast should follow.
	time.Sleep(60 * time.Millisecond)
	if count := transport.directCount(); count != 1 {
		t.Fatalf("expected exactly 1 direct send, got %d", count)
	}
	if transport.broadcastCount() != 0 {
		t.Fatalf("expected no broadcast, got %d", transport.broadcastCount())
	}
}

func TestRespondTransferBeforeStart(t *testing.T) {
	b, err := New(Options{
		OwnName:       "Test Device",
		ReturnAddress: wire.ReturnAddress{Host: "127.0.0.1", Port: 5051},
		Transport:     &fakeTransport{},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	b.HandleRequest(inboundRequest("transfer-1"))

	if err := b.RespondTransfer("transfer-1", true); err == nil {
		t.Fatal("expected an error before Start")
	}
}

func TestRespondTransferFirstDecisionWins(t *testing.T) {
	transport := &fakeTransport{}
	b := newTestBroker(t, transport, &fakeGateway{})

	b.HandleRequest(inboundRequest("transfer-1"))

	if err := b.RespondTransfer("transfer-1", false); err != nil {
		t.Fatalf("RespondTransfer failed: %v", err)
	}
	if err := b.RespondTransfer("transfer-1", true); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}

	record, _ := b.GetRecord("transfer-1")
	if record.Status != StatusDeclined {
		t.Fatalf("expected first decision to stick, got %q", record.Status)
	}
}

func TestRespondTransferUnknownID(t *testing.T) {
	b := newTestBroker(t, &fakeTransport{}, nil)

	if err := b.RespondTransfer("transfer-missing", true); !errors.Is(err, ErrUnknownTransfer) {
		t.Fatalf("expected ErrUnknownTransfer, got %v", err)
	}
}

func TestRespondTransferFallsBackToBroadcast(t *testing.T) {
	transport := &fakeTransport{directErr: errors.New("connection refused")}
	b := newTestBroker(t, transport, &fakeGateway{})

	b.HandleRequest(inboundRequest("transfer-1"))

	if err := b.RespondTransfer("transfer-1", true); err != nil {
		t.Fatalf("RespondTransfer failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return transport.broadcastCount() == 1
	})

	transport.mu.Lock()
	status := transport.broadcasts[0]
	transport.mu.Unlock()
	if status.Status != wire.StatusAccepted || status.TransferID != "transfer-1" {
		t.Fatalf("unexpected broadcast %+v", status)
	}
}

func TestDirectResponseResolvesOutboundOnce(t *testing.T) {
	transport := &fakeTransport{}
	b := newTestBroker(t, transport, nil)

	transferID := NewTransferID()
	if err := b.ProposeTransfer(transferID, "Peer Device", "127.0.0.1:6051", 1, 512); err != nil {
		t.Fatalf("ProposeTransfer failed: %v", err)
	}

	b.HandleResponse(wire.TransferResponse{
		Type:       wire.TypeTransferResponse,
		TransferID: transferID,
		Accepted:   true,
	})

	event := waitForEvent(t, b, time.Second)
	if event.Type != EventAccepted || event.TransferID != transferID {
		t.Fatalf("expected accepted event, got %+v", event)
	}

	// A conflicting decision after the first terminal status is ignored.
	b.HandleStatus(wire.TransferStatus{
		Type:       wire.TypeTransferStatus,
		TransferID: transferID,
		Status:     wire.StatusDeclined,
	})

	select {
	case extra := <-b.Events():
		t.Fatalf("expected no further events, got %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	record, _ := b.GetRecord(transferID)
	if record.Status != StatusAccepted {
		t.Fatalf("expected accepted record, got %q", record.Status)
	}
}

func TestBroadcastStatusResolvesOutbound(t *testing.T) {
	transport := &fakeTransport{}
	b := newTestBroker(t, transport, nil)

	transferID := NewTransferID()
	if err := b.ProposeTransfer(transferID, "Peer Device", "127.0.0.1:6051", 1, 512); err != nil {
		t.Fatalf("ProposeTransfer failed: %v", err)
	}

	b.HandleStatus(wire.TransferStatus{
		Type:       wire.TypeTransferStatus,
		TransferID: transferID,
		Status:     wire.StatusDeclined,
	})

	event := waitForEvent(t, b, time.Second)
	if event.Type != EventDeclined || event.TransferID != transferID {
		t.Fatalf("expected declined event, got %+v", event)
	}
}

func TestHandleStatusIgnoresForeignTransfers(t *testing.T) {
	b := newTestBroker(t, &fakeTransport{}, nil)

	b.HandleStatus(wire.TransferStatus{
		Type:       wire.TypeTransferStatus,
		TransferID: "transfer-someone-elses",
		Status:     wire.StatusAccepted,
	})

	select {
	case event := <-b.Events():
		t.Fatalf("expected no events, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
	if _, found := b.GetRecord("transfer-someone-elses"); found {
		t.Fatal("expected no record for a foreign transfer")
	}
}

func TestDecisionTimeoutExpiresInboundSilently(t *testing.T) {
	transport := &fakeTransport{}
	b, err := New(Options{
		OwnName:         "Test Device",
		ReturnAddress:   wire.ReturnAddress{Host: "127.0.0.1", Port: 5051},
		Transport:       transport,
		Gateway:         &fakeGateway{},
		DecisionTimeout: 30 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(b.Stop)

	b.HandleRequest(inboundRequest("transfer-1"))

	waitForCondition(t, time.Second, func() bool {
		record, found := b.GetRecord("transfer-1")
		return found && record.Status == StatusExpired
	})

	// Expiry is local: the sender never hears a decline.
	if transport.directCount() != 0 || transport.broadcastCount() != 0 {
		t.Fatal("expected no decision on the wire after expiry")
	}
	if err := b.RespondTransfer("transfer-1", true); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided after expiry, got %v", err)
	}
}

func TestAbandonStopsRetries(t *testing.T) {
	transport := &fakeTransport{}
	b := newTestBroker(t, transport, nil)

	transferID := NewTransferID()
	if err := b.ProposeTransfer(transferID, "Peer Device", "127.0.0.1:6051", 1, 512); err != nil {
		t.Fatalf("ProposeTransfer failed: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		return transport.requestCount() >= 1
	})

	b.Abandon(transferID)

	if _, found := b.GetRecord(transferID); found {
		t.Fatal("expected record to be gone after abandon")
	}

	settled := transport.requestCount()
	time.Sleep(80 * time.Millisecond)
	if final := transport.requestCount(); final > settled {
		t.Fatalf("expected retries to stop, count went %d -> %d", settled, final)
	}
}

func TestRecordRetentionSweep(t *testing.T) {
	transport := &fakeTransport{}
	b, err := New(Options{
		OwnName:         "Test Device",
		ReturnAddress:   wire.ReturnAddress{Host: "127.0.0.1", Port: 5051},
		Transport:       transport,
		RecordRetention: 30 * time.Millisecond,
		SweepInterval:   10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(b.Stop)

	b.HandleRequest(inboundRequest("transfer-old"))

	waitForCondition(t, time.Second, func() bool {
		_, found := b.GetRecord("transfer-old")
		return !found
	})
}
