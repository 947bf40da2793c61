package network

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"rangelink/session"
)

// ClientOptions configures the connecting side of an exchange.
type ClientOptions struct {
	Identity          LocalIdentity
	Local             session.Config
	ConnectionTimeout time.Duration
	// ExpectedPeerID, when set, must match the device id in the peer's ack.
	ExpectedPeerID string
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	return out
}

// Exchange connects to a peer, reads its config, sends the local one and
// waits for the acknowledgement. Cancelling ctx aborts the exchange.
func Exchange(ctx context.Context, address string, options ClientOptions) (Result, error) {
	opts := options.withDefaults()

	local, err := session.Encode(opts.Local)
	if err != nil {
		return Result{}, fmt.Errorf("encode local config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectionTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return Result{}, fmt.Errorf("dial %q: %w", address, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return Result{}, fmt.Errorf("set exchange deadline: %w", err)
		}
	}

	result, err := runClientExchange(conn, opts, local)
	if err != nil && ctx.Err() != nil {
		return Result{}, fmt.Errorf("exchange with %q: %w", address, context.Cause(ctx))
	}
	return result, err
}

func runClientExchange(conn net.Conn, opts ClientOptions, local []byte) (Result, error) {
	if err := writeJSONFrame(conn, HelloMessage{
		Type:            TypeHello,
		DeviceID:        opts.Identity.DeviceID,
		DeviceName:      opts.Identity.DeviceName,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}); err != nil {
		return Result{}, fmt.Errorf("send hello: %w", err)
	}

	configPayload, err := ReadFrame(conn)
	if err != nil {
		return Result{}, fmt.Errorf("read peer config: %w", err)
	}
	if isControlFrame(configPayload) {
		return Result{}, decodeRemoteError(configPayload)
	}
	remote, err := session.Decode(configPayload)
	if err != nil {
		_ = writeJSONFrame(conn, ErrorMessage{
			Type:      TypeError,
			Code:      CodeMalformedConfig,
			Message:   err.Error(),
			Timestamp: time.Now().UnixMilli(),
		})
		return Result{}, fmt.Errorf("decode peer config: %w", err)
	}

	if err := WriteFrame(conn, local); err != nil {
		return Result{}, fmt.Errorf("send local config: %w", err)
	}

	ackPayload, err := ReadControlFrame(conn)
	if err != nil {
		return Result{}, fmt.Errorf("read ack: %w", err)
	}
	msgType, err := DecodeMessageType(ackPayload)
	if err != nil {
		return Result{}, err
	}
	if msgType == TypeError {
		return Result{}, decodeRemoteError(ackPayload)
	}
	if msgType != TypeAck {
		return Result{}, fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, TypeAck, msgType)
	}

	var ack AckMessage
	if err := json.Unmarshal(ackPayload, &ack); err != nil {
		return Result{}, fmt.Errorf("decode ack: %w", err)
	}
	if opts.ExpectedPeerID != "" && ack.DeviceID != opts.ExpectedPeerID {
		return Result{}, fmt.Errorf("%w: acknowledged by %q, expected %q", ErrUnexpectedPeer, ack.DeviceID, opts.ExpectedPeerID)
	}

	return Result{
		PeerID: ack.DeviceID,
		Remote: remote,
		Role:   session.RoleInitiator,
	}, nil
}
