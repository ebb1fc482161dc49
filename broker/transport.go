package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"filedrop/wire"
)

// Handler receives decoded negotiation messages from a Listener.
type Handler interface {
	HandleRequest(msg wire.TransferRequest)
	HandleAck(msg wire.TransferRequestAck)
	HandleResponse(msg wire.TransferResponse)
	HandleStatus(msg wire.TransferStatus)
}

// ResponseTransport is the two-tier decision delivery strategy: direct
// point-to-point first, best-effort broadcast when that cannot connect.
type ResponseTransport interface {
	TryDirect(addr string, msg wire.TransferResponse) error
	BroadcastFallback(msg wire.TransferStatus) error
}

// Transport delivers negotiation messages to peers.
type Transport interface {
	SendRequest(addr string, msg wire.TransferRequest) error
	SendAck(addr string, msg wire.TransferRequestAck) error
	ResponseTransport
}

// Listener accepts inbound negotiation sessions and dispatches their frames.
type Listener struct {
	listener net.Listener
	handler  Handler

	readTimeout time.Duration

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	errs chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener for the negotiation channel.
func Listen(address string, handler Handler) (*Listener, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if address == "" {
		address = ":0"
	}

	netListener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	l := &Listener{
		listener:    netListener,
		handler:     handler,
		readTimeout: wire.DefaultFrameReadTimeout,
		conns:       make(map[net.Conn]struct{}),
		errs:        make(chan error, 16),
		closed:      make(chan struct{}),
	}

	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Errors returns asynchronous listener errors.
func (l *Listener) Errors() <-chan error {
	return l.errs
}

// Close stops accepting and closes all open sessions.
func (l *Listener) Close() error {
	var closeErr error
	l.closeOnce.Do(func() {
		close(l.closed)
		closeErr = l.listener.Close()

		l.connMu.Lock()
		for conn := range l.conns {
			_ = conn.Close()
		}
		l.connMu.Unlock()

		l.wg.Wait()
		close(l.errs)
	})
	return closeErr
}

// Broadcast writes a message to every currently open inbound session. This is
// the general-purpose channel used for best-effort status delivery.
func (l *Listener) Broadcast(message any) error {
	payload, err := wire.EncodeJSON(message)
	if err != nil {
		return err
	}

	l.connMu.Lock()
	conns := make([]net.Conn, 0, len(l.conns))
	for conn := range l.conns {
		conns = append(conns, conn)
	}
	l.connMu.Unlock()

	if len(conns) == 0 {
		return errors.New("no open sessions to broadcast to")
	}

	var lastErr error
	delivered := 0
	for _, conn := range conns {
		if err := wire.WriteFrame(conn, payload); err != nil {
			lastErr = err
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return fmt.Errorf("broadcast delivered to no sessions: %w", lastErr)
	}
	return nil
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}

			l.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		l.connMu.Lock()
		l.conns[conn] = struct{}{}
		l.connMu.Unlock()

		l.wg.Add(1)
		go l.sessionLoop(conn)
	}
}

func (l *Listener) sessionLoop(conn net.Conn) {
	defer l.wg.Done()
	defer func() {
		l.connMu.Lock()
		delete(l.conns, conn)
		l.connMu.Unlock()
		_ = conn.Close()
	}()

	for {
		payload, err := wire.ReadFrameWithTimeout(conn, l.readTimeout)
		if err != nil {
			return
		}

		msgType, err := wire.DecodeMessageType(payload)
		if err != nil {
			continue
		}

		switch msgType {
		case wire.TypeTransferRequest:
			var msg wire.TransferRequest
			if err := json.Unmarshal(payload, &msg); err != nil {
				l.reportError(err)
				continue
			}
			l.handler.HandleRequest(msg)
		case wire.TypeTransferRequestAck:
			var msg wire.TransferRequestAck
			if err := json.Unmarshal(payload, &msg); err != nil {
				l.reportError(err)
				continue
			}
			l.handler.HandleAck(msg)
		case wire.TypeTransferResponse:
			var msg wire.TransferResponse
			if err := json.Unmarshal(payload, &msg); err != nil {
				l.reportError(err)
				continue
			}
			l.handler.HandleResponse(msg)
		case wire.TypeTransferStatus:
			var msg wire.TransferStatus
			if err := json.Unmarshal(payload, &msg); err != nil {
				l.reportError(err)
				continue
			}
			l.handler.HandleStatus(msg)
		}
	}
}

func (l *Listener) reportError(err error) {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return
	}
	select {
	case l.errs <- err:
	default:
	}
}

// TCPTransport delivers negotiation messages over short-lived TCP dials. Its
// broadcast fallback writes to the local listener's open sessions.
type TCPTransport struct {
	listener    *Listener
	dialTimeout time.Duration
}

// NewTCPTransport creates a transport bound to a listener for broadcast.
func NewTCPTransport(listener *Listener) *TCPTransport {
	return &TCPTransport{
		listener:    listener,
		dialTimeout: wire.DefaultDialTimeout,
	}
}

// SendRequest dials the peer's negotiation endpoint and delivers a request.
func (t *TCPTransport) SendRequest(addr string, msg wire.TransferRequest) error {
	return t.sendOne(addr, msg)
}

// SendAck dials the requester's return address and delivers an ack.
func (t *TCPTransport) SendAck(addr string, msg wire.TransferRequestAck) error {
	return t.sendOne(addr, msg)
}

// TryDirect dials the requester's return address and delivers the decision.
func (t *TCPTransport) TryDirect(addr string, msg wire.TransferResponse) error {
	return t.sendOne(addr, msg)
}

// BroadcastFallback pushes a status to every open inbound session.
func (t *TCPTransport) BroadcastFallback(msg wire.TransferStatus) error {
	if t.listener == nil {
		return errors.New("no listener available for broadcast")
	}
	return t.listener.Broadcast(msg)
}

func (t *TCPTransport) sendOne(addr string, message any) error {
	conn, err := net.DialTimeout("tcp", addr, t.dialTimeout)
	if err != nil {
		return fmt.Errorf("dial %q: %w", addr, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	if err := conn.SetWriteDeadline(time.Now().Add(t.dialTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := wire.WriteMessage(conn, message); err != nil {
		return fmt.Errorf("send %T to %q: %w", message, addr, err)
	}
	return nil
}
