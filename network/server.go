package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"rangelink/session"
)

// Result is one completed config exchange.
type Result struct {
	PeerID   string
	PeerName string
	Remote   session.Config
	Role     session.Role
}

// ExchangeError is a failed exchange. PeerID is empty when the peer never
// identified itself.
type ExchangeError struct {
	PeerID string
	Err    error
}

func (e *ExchangeError) Error() string {
	if e.PeerID == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("exchange with %s: %v", e.PeerID, e.Err)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// ServerOptions configures the responding side of an exchange.
type ServerOptions struct {
	Identity          LocalIdentity
	Local             session.Config
	ConnectionTimeout time.Duration
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	return out
}

// Server accepts inbound exchanges. It serves its local config to every
// client and reads the client's config in return.
type Server struct {
	listener net.Listener
	options  ServerOptions
	local    []byte

	results chan Result
	errs    chan *ExchangeError

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and exchange accept loop.
func Listen(address string, options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if opts.Identity.DeviceID == "" {
		return nil, errors.New("local device ID is required")
	}
	local, err := session.Encode(opts.Local)
	if err != nil {
		return nil, fmt.Errorf("encode local config: %w", err)
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		local:    local,
		results:  make(chan Result, 16),
		errs:     make(chan *ExchangeError, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Results returns completed inbound exchanges.
func (s *Server) Results() <-chan Result {
	return s.results
}

// Errors returns failed inbound exchanges.
func (s *Server) Errors() <-chan *ExchangeError {
	return s.errs
}

// Close stops accepting, waits for in-flight exchanges and closes both channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.results)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			s.reportError("", fmt.Errorf("accept connection: %w", err))
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		_ = conn.Close()
	}()

	// Unblock reads when the server shuts down mid-exchange.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-s.closed:
			_ = conn.Close()
		case <-finished:
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		s.reportError("", fmt.Errorf("set exchange deadline: %w", err))
		return
	}

	helloPayload, err := ReadControlFrame(conn)
	if err != nil {
		s.reportError("", fmt.Errorf("read hello: %w", err))
		return
	}

	msgType, err := DecodeMessageType(helloPayload)
	if err != nil {
		s.reportError("", err)
		return
	}
	if msgType != TypeHello {
		_ = s.sendError(conn, CodeUnknownType, fmt.Sprintf("Expected %q, got %q", TypeHello, msgType))
		return
	}

	var hello HelloMessage
	if err := json.Unmarshal(helloPayload, &hello); err != nil {
		s.reportError("", fmt.Errorf("decode hello: %w", err))
		return
	}
	if hello.DeviceID == "" {
		_ = s.sendError(conn, CodeInvalidHello, "Hello is missing device_id.")
		return
	}
	if hello.ProtocolVersion != ProtocolVersion {
		_ = writeJSONFrame(conn, makeVersionMismatchError(hello.ProtocolVersion))
		s.reportError(hello.DeviceID, fmt.Errorf("%w: peer speaks version %d", ErrUnsupportedVersion, hello.ProtocolVersion))
		return
	}

	if err := WriteFrame(conn, s.local); err != nil {
		s.reportError(hello.DeviceID, fmt.Errorf("write local config: %w", err))
		return
	}

	configPayload, err := ReadFrame(conn)
	if err != nil {
		s.reportError(hello.DeviceID, fmt.Errorf("read peer config: %w", err))
		return
	}
	if isControlFrame(configPayload) {
		s.reportError(hello.DeviceID, decodeRemoteError(configPayload))
		return
	}
	remote, err := session.Decode(configPayload)
	if err != nil {
		_ = s.sendError(conn, CodeMalformedConfig, err.Error())
		s.reportError(hello.DeviceID, fmt.Errorf("decode peer config: %w", err))
		return
	}

	if err := writeJSONFrame(conn, AckMessage{
		Type:      TypeAck,
		Status:    "ok",
		DeviceID:  s.options.Identity.DeviceID,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		s.reportError(hello.DeviceID, fmt.Errorf("write ack: %w", err))
		return
	}

	select {
	case s.results <- Result{
		PeerID:   hello.DeviceID,
		PeerName: hello.DeviceName,
		Remote:   remote,
		Role:     session.RoleResponder,
	}:
	case <-s.closed:
	}
}

func (s *Server) sendError(conn net.Conn, code, message string) error {
	return writeJSONFrame(conn, ErrorMessage{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) reportError(peerID string, err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- &ExchangeError{PeerID: peerID, Err: err}:
	default:
	}
}
