package wire

// BuildOK constructs an OK_Packet payload with the given affected-rows,
// last-insert-id, status flags, and warning count.
func BuildOK(affectedRows, lastInsertID uint64, status uint16, warnings uint16) []byte {
	buf := []byte{OKHeader}
	buf = AppendLenEncInt(buf, affectedRows)
	buf = AppendLenEncInt(buf, lastInsertID)
	buf = append(buf, byte(status), byte(status>>8))
	buf = append(buf, byte(warnings), byte(warnings>>8))
	return buf
}

// BuildEOF constructs an EOF_Packet payload with the given warning count
// and status flags.
func BuildEOF(warnings uint16, status uint16) []byte {
	return []byte{
		EOFHeader,
		byte(warnings), byte(warnings >> 8),
		byte(status), byte(status >> 8),
	}
}

// BuildErr constructs an ERR_Packet payload. sqlState is padded/truncated
// to exactly 5 bytes, matching the wire format's fixed-width SQLSTATE
// field.
func BuildErr(code uint16, sqlState, message string) []byte {
	buf := []byte{ErrHeader, byte(code), byte(code >> 8), '#'}
	state := sqlState
	if len(state) > 5 {
		state = state[:5]
	}
	for len(state) < 5 {
		state += " "
	}
	buf = append(buf, state...)
	buf = append(buf, message...)
	return buf
}

// Common error codes the router synthesizes itself, rather than relaying
// from a backend.
const (
	ErrCodeAccessDenied    uint16 = 1045
	ErrCodeBadDB           uint16 = 1049
	ErrCodeUnknownCommand  uint16 = 1047
	ErrCodeNotSupported    uint16 = 1235
	ErrCodeConnectionError uint16 = 2003
	ErrCodeQueryInterrupted uint16 = 1317
)
