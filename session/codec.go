package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// Version is the only wire version this codec reads and writes.
	Version byte = 1
	// MinRecordSize is the size of a record with an empty address and no token.
	MinRecordSize = 1 + 4 + 4 + 4 + 2 + 2
	// MaxFieldLength is the largest address or token a 2-byte length prefix can describe.
	MaxFieldLength = math.MaxUint16
	// MaxRecordSize bounds an encoded record.
	MaxRecordSize = MinRecordSize + 2*MaxFieldLength
)

var (
	// ErrMalformedRecord indicates bytes that are not a valid encoded Config.
	ErrMalformedRecord = errors.New("session: malformed record")
	// ErrFieldTooLong indicates an address or token that does not fit its length prefix.
	ErrFieldTooLong = errors.New("session: field exceeds 65535 bytes")
)

// Encode serializes c as
//
//	[1B version][4B sessionId][4B channel][4B preambleIndex]
//	[2B address length][address][2B token length][token]
//
// with every integer big-endian. An absent token is written with length 0.
func Encode(c Config) ([]byte, error) {
	if len(c.LocalAddress) > MaxFieldLength {
		return nil, fmt.Errorf("encode local address: %w", ErrFieldTooLong)
	}
	if len(c.OpaqueToken) > MaxFieldLength {
		return nil, fmt.Errorf("encode opaque token: %w", ErrFieldTooLong)
	}

	buf := make([]byte, 0, MinRecordSize+len(c.LocalAddress)+len(c.OpaqueToken))
	buf = append(buf, Version)
	buf = binary.BigEndian.AppendUint32(buf, uint32(c.SessionID))
	buf = binary.BigEndian.AppendUint32(buf, uint32(c.Channel))
	buf = binary.BigEndian.AppendUint32(buf, uint32(c.PreambleIndex))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.LocalAddress)))
	buf = append(buf, c.LocalAddress...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(c.OpaqueToken)))
	buf = append(buf, c.OpaqueToken...)
	return buf, nil
}

// MustEncode is Encode for values known to fit, such as locally built configs.
func MustEncode(c Config) []byte {
	raw, err := Encode(c)
	if err != nil {
		panic(err)
	}
	return raw
}

// Decode parses a record produced by Encode. Every bound is checked before
// slicing, so arbitrary input yields ErrMalformedRecord rather than a panic.
func Decode(raw []byte) (Config, error) {
	if len(raw) < MinRecordSize {
		return Config{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedRecord, len(raw), MinRecordSize)
	}
	if raw[0] != Version {
		return Config{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedRecord, raw[0])
	}

	r := reader{buf: raw, pos: 1}
	cfg := Config{
		SessionID:     int32(r.uint32()),
		Channel:       int32(r.uint32()),
		PreambleIndex: int32(r.uint32()),
	}

	address, ok := r.lengthPrefixed()
	if !ok {
		return Config{}, fmt.Errorf("%w: local address overruns buffer", ErrMalformedRecord)
	}
	cfg.LocalAddress = address

	token, ok := r.lengthPrefixed()
	if !ok {
		return Config{}, fmt.Errorf("%w: opaque token overruns buffer", ErrMalformedRecord)
	}
	if len(token) > 0 {
		cfg.OpaqueToken = token
	}

	if r.pos != len(raw) {
		return Config{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformedRecord, len(raw)-r.pos)
	}
	return cfg, nil
}

// reader walks a record whose fixed header length was already checked.
type reader struct {
	buf []byte
	pos int
}

func (r *reader) uint32() uint32 {
	v := binary.BigEndian.Uint32(r.buf[r.pos : r.pos+4])
	r.pos += 4
	return v
}

func (r *reader) lengthPrefixed() ([]byte, bool) {
	if len(r.buf)-r.pos < 2 {
		return nil, false
	}
	n := int(binary.BigEndian.Uint16(r.buf[r.pos : r.pos+2]))
	r.pos += 2
	if len(r.buf)-r.pos < n {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, r.buf[r.pos:r.pos+n])
	r.pos += n
	return out, true
}
