// Package encpkg implements the wire framing of encrypted packages:
// little-endian traceId int64 | spanId int64 | type uint8 | ciphertext.
package encpkg

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the number of bytes before the ciphertext.
const HeaderSize = 8 + 8 + 1

// ErrShortPackage is returned when a buffer cannot hold the header.
var ErrShortPackage = errors.New("encpkg: buffer shorter than header")

// Type tags the kind of package. The plugin treats it as opaque.
type Type uint8

const (
	TypeUndef Type = iota
	TypeNetworkManager
	TypeTestHarness
	TypeSDK
)

// Package is an opaque encrypted payload with tracing metadata.
type Package struct {
	TraceID    int64
	SpanID     int64
	Type       Type
	Ciphertext []byte
}

// Encode returns the framed bytes of p.
func (p Package) Encode() []byte {
	raw := make([]byte, HeaderSize+len(p.Ciphertext))
	binary.LittleEndian.PutUint64(raw[0:8], uint64(p.TraceID))
	binary.LittleEndian.PutUint64(raw[8:16], uint64(p.SpanID))
	raw[16] = byte(p.Type)
	copy(raw[HeaderSize:], p.Ciphertext)
	return raw
}

// Decode parses a framed package. The ciphertext is copied out of raw.
func Decode(raw []byte) (Package, error) {
	if len(raw) < HeaderSize {
		return Package{}, fmt.Errorf("%w: got %d bytes", ErrShortPackage, len(raw))
	}
	ciphertext := make([]byte, len(raw)-HeaderSize)
	copy(ciphertext, raw[HeaderSize:])
	return Package{
		TraceID:    int64(binary.LittleEndian.Uint64(raw[0:8])),
		SpanID:     int64(binary.LittleEndian.Uint64(raw[8:16])),
		Type:       Type(raw[16]),
		Ciphertext: ciphertext,
	}, nil
}

// Size returns the framed length of p.
func (p Package) Size() int {
	return HeaderSize + len(p.Ciphertext)
}
