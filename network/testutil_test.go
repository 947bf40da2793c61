package network

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"rangelink/session"
)

func testIdentity(deviceID string) LocalIdentity {
	return LocalIdentity{DeviceID: deviceID, DeviceName: "Device " + deviceID}
}

func testConfig(sessionID int32, address ...byte) session.Config {
	return session.Config{
		SessionID:     sessionID,
		Channel:       session.DefaultChannel,
		PreambleIndex: session.DefaultPreambleIndex,
		LocalAddress:  address,
	}
}

func startTestServer(t *testing.T, deviceID string, local session.Config) *Server {
	t.Helper()

	server, err := Listen("127.0.0.1:0", ServerOptions{
		Identity:          testIdentity(deviceID),
		Local:             local,
		ConnectionTimeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() {
		_ = server.Close()
	})
	return server
}

func dialRaw(t *testing.T, address string) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", address, 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if err := conn.SetDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline failed: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func writeJSON(t *testing.T, conn net.Conn, message any) {
	t.Helper()
	if err := writeJSONFrame(conn, message); err != nil {
		t.Fatalf("write frame failed: %v", err)
	}
}

func readErrorMessage(t *testing.T, conn net.Conn) ErrorMessage {
	t.Helper()

	payload, err := ReadFrame(conn)
	if err != nil {
		t.Fatalf("read frame failed: %v", err)
	}
	var message ErrorMessage
	if err := json.Unmarshal(payload, &message); err != nil {
		t.Fatalf("decode error message failed: %v", err)
	}
	if message.Type != TypeError {
		t.Fatalf("expected error message, got %q", message.Type)
	}
	return message
}

func waitServerError(t *testing.T, server *Server) *ExchangeError {
	t.Helper()
	select {
	case err := <-server.Errors():
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for server error")
		return nil
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
