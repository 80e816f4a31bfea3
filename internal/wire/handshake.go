package wire

import (
	"crypto/rand"
	"fmt"
)

// Client capability flags this router recognizes during the handshake.
const (
	CapLongPassword        uint32 = 0x00000001
	CapConnectWithDB       uint32 = 0x00000008
	CapProtocol41          uint32 = 0x00000200
	CapSecureConnection    uint32 = 0x00008000
	CapPluginAuth          uint32 = 0x00080000
	CapPluginAuthLenEncData uint32 = 0x00200000
)

// serverCapabilities are the flags this router advertises in its own
// synthetic Handshake v10 toward clients.
const serverCapabilities uint32 = CapLongPassword | CapProtocol41 | CapSecureConnection |
	CapPluginAuth | CapConnectWithDB

const nativePasswordPlugin = "mysql_native_password"

// HandshakeV10 is the server-to-client greeting this router sends before a
// client authenticates. AuthData is the 20-byte challenge used for
// mysql_native_password.
type HandshakeV10 struct {
	ServerVersion string
	ConnectionID  uint32
	AuthData      [20]byte
}

// NewHandshakeV10 builds a greeting with a fresh random auth challenge.
// No zero bytes are allowed in the challenge since the wire format embeds
// it inside null-terminated fields.
func NewHandshakeV10(serverVersion string, connID uint32) (HandshakeV10, error) {
	var auth [20]byte
	if _, err := rand.Read(auth[:]); err != nil {
		return HandshakeV10{}, fmt.Errorf("generating auth challenge: %w", err)
	}
	for i := range auth {
		if auth[i] == 0 {
			auth[i] = 1
		}
	}
	return HandshakeV10{ServerVersion: serverVersion, ConnectionID: connID, AuthData: auth}, nil
}

// Build serializes the greeting as a Handshake v10 payload.
func (h HandshakeV10) Build() []byte {
	var buf []byte
	buf = append(buf, 10)
	buf = append(buf, h.ServerVersion...)
	buf = append(buf, 0)
	buf = append(buf, byte(h.ConnectionID), byte(h.ConnectionID>>8), byte(h.ConnectionID>>16), byte(h.ConnectionID>>24))
	buf = append(buf, h.AuthData[:8]...)
	buf = append(buf, 0) // filler

	capLow := uint16(serverCapabilities & 0xffff)
	buf = append(buf, byte(capLow), byte(capLow>>8))
	buf = append(buf, 33) // utf8_general_ci
	buf = append(buf, byte(StatusAutocommit), byte(StatusAutocommit>>8))
	capHigh := uint16(serverCapabilities >> 16)
	buf = append(buf, byte(capHigh), byte(capHigh>>8))
	buf = append(buf, 21) // length of auth-plugin-data, 8+13
	buf = append(buf, make([]byte, 10)...)
	buf = append(buf, h.AuthData[8:]...)
	buf = append(buf, 0)
	buf = append(buf, nativePasswordPlugin...)
	buf = append(buf, 0)
	return buf
}

// HandshakeResponse41 is the parsed form of a client's reply to a
// Handshake v10 greeting.
type HandshakeResponse41 struct {
	ClientFlags uint32
	Username    string
	AuthData    []byte
	Database    string
	Raw         []byte // the untouched payload, for forwarding to a real backend
}

// ParseHandshakeResponse41 parses payload as a HandshakeResponse41. It
// requires CLIENT_PROTOCOL_41 framing (the fixed 32-byte header) since
// this router only speaks the modern protocol to clients.
func ParseHandshakeResponse41(payload []byte) (HandshakeResponse41, error) {
	var resp HandshakeResponse41
	if len(payload) < 32 {
		return resp, fmt.Errorf("handshake response too short: %d bytes", len(payload))
	}
	resp.Raw = payload
	resp.ClientFlags = uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24

	pos := 32
	nameEnd := pos
	for nameEnd < len(payload) && payload[nameEnd] != 0 {
		nameEnd++
	}
	resp.Username = string(payload[pos:nameEnd])
	pos = nameEnd + 1

	switch {
	case resp.ClientFlags&CapPluginAuthLenEncData != 0:
		if data, next, ok := ReadLenEncString(payload, pos); ok {
			resp.AuthData = data
			pos = next
		}
	case resp.ClientFlags&CapSecureConnection != 0:
		if pos < len(payload) {
			n := int(payload[pos])
			pos++
			if pos+n <= len(payload) {
				resp.AuthData = payload[pos : pos+n]
				pos += n
			}
		}
	default:
		end := pos
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		resp.AuthData = payload[pos:end]
		pos = end + 1
	}

	if resp.ClientFlags&CapConnectWithDB != 0 && pos < len(payload) {
		end := pos
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		resp.Database = string(payload[pos:end])
	}

	return resp, nil
}
