package backend

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/splitrouter/splitrouter/internal/wire"
)

// Credentials are used to authenticate a freshly dialed backend
// connection with mysql_native_password.
type Credentials struct {
	Username string
	Password string
	Database string
}

// Dial opens a TCP connection to srv, performs the MySQL handshake using
// creds, and returns an attached Handle. There is no idle-connection
// reuse here: a router session owns each Handle exclusively for the
// session's lifetime, so Dial always produces a fresh authenticated
// connection.
func Dial(ctx context.Context, srv *Server, creds Credentials, timeout time.Duration) (*Handle, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", srv.Address)
	if err != nil {
		return nil, fmt.Errorf("dialing backend %s (%s): %w", srv.Name, srv.Address, err)
	}

	if err := authenticate(conn, creds); err != nil {
		conn.Close()
		return nil, fmt.Errorf("authenticating to backend %s: %w", srv.Name, err)
	}

	return NewHandle(srv, conn), nil
}

// authenticate performs the client side of a MySQL handshake: read the
// server's Handshake v10, send a HandshakeResponse41 built from creds
// using mysql_native_password, and consume the result.
func authenticate(conn net.Conn, creds Credentials) error {
	greeting, err := wire.ReadPacket(conn)
	if err != nil {
		return fmt.Errorf("reading server greeting: %w", err)
	}
	if len(greeting.Payload) < 1 || greeting.Payload[0] != 10 {
		return fmt.Errorf("unsupported handshake protocol version")
	}

	authData, err := extractAuthData(greeting.Payload)
	if err != nil {
		return err
	}

	authResp := wire.NativePasswordHash(creds.Password, authData)

	resp := buildHandshakeResponse(creds, authResp)
	if _, err := wire.WritePacket(conn, resp, greeting.Seq+1); err != nil {
		return fmt.Errorf("sending handshake response: %w", err)
	}

	reply, err := wire.ReadPacket(conn)
	if err != nil {
		return fmt.Errorf("reading auth result: %w", err)
	}
	if len(reply.Payload) == 0 {
		return fmt.Errorf("empty auth result")
	}
	switch reply.Payload[0] {
	case wire.OKHeader:
		return nil
	case wire.ErrHeader:
		return fmt.Errorf("backend rejected authentication: %s", string(reply.Payload[1:]))
	case 0xfe: // AuthSwitchRequest — not supported, this router only speaks native password
		return fmt.Errorf("backend requested an unsupported auth method")
	default:
		return fmt.Errorf("unexpected auth result header %#x", reply.Payload[0])
	}
}

// extractAuthData pulls the 20-byte challenge out of a Handshake v10
// payload (8-byte part 1 + variable-length part 2).
func extractAuthData(payload []byte) ([]byte, error) {
	pos := 1
	for pos < len(payload) && payload[pos] != 0 {
		pos++
	}
	pos++ // skip server version terminator
	if pos+4 > len(payload) {
		return nil, fmt.Errorf("handshake too short for connection id")
	}
	pos += 4 // connection id
	if pos+8 > len(payload) {
		return nil, fmt.Errorf("handshake too short for auth-plugin-data part 1")
	}
	part1 := payload[pos : pos+8]
	pos += 8
	pos++ // filler

	if pos+2 > len(payload) {
		return part1, nil
	}
	pos += 2 // capability flags low
	if pos >= len(payload) {
		return part1, nil
	}
	pos++ // charset
	if pos+2 > len(payload) {
		return part1, nil
	}
	pos += 2 // status flags
	if pos+2 > len(payload) {
		return part1, nil
	}
	pos += 2 // capability flags high
	if pos >= len(payload) {
		return part1, nil
	}
	authLen := int(payload[pos])
	pos++
	pos += 10 // reserved

	part2Len := authLen - 8
	if part2Len < 13 {
		part2Len = 13
	}
	if pos+part2Len > len(payload) {
		return part1, nil
	}
	part2 := payload[pos : pos+part2Len-1] // drop trailing null

	return append(append([]byte{}, part1...), part2...), nil
}

func buildHandshakeResponse(creds Credentials, authResp []byte) []byte {
	var caps uint32 = wire.CapLongPassword | wire.CapProtocol41 | wire.CapSecureConnection
	if creds.Database != "" {
		caps |= wire.CapConnectWithDB
	}

	buf := make([]byte, 0, 64)
	buf = append(buf, byte(caps), byte(caps>>8), byte(caps>>16), byte(caps>>24))
	buf = append(buf, 0, 0, 0, 1) // max packet size = 16MB-ish placeholder
	buf = append(buf, 33)         // utf8_general_ci
	buf = append(buf, make([]byte, 23)...)
	buf = append(buf, creds.Username...)
	buf = append(buf, 0)
	buf = append(buf, byte(len(authResp)))
	buf = append(buf, authResp...)
	if creds.Database != "" {
		buf = append(buf, creds.Database...)
		buf = append(buf, 0)
	}
	return buf
}
