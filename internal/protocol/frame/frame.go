package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/fieldscan/internal/protocol/schema"
)

// HeaderLen is the fixed wire header: 1 byte kind, 4 byte big-endian length.
const HeaderLen = 5

var (
	ErrTruncated       = errors.New("frame: truncated")
	ErrUnknownKind     = errors.New("frame: unknown kind")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// FramingError marks a frame that was consumed from the stream but cannot
// be delivered. The stream stays aligned on the next header.
type FramingError struct {
	Kind uint8
	Len  uint32
	Err  error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("%v: kind=%d len=%d", e.Err, e.Kind, e.Len)
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// Recoverable reports whether err only invalidated one frame.
func Recoverable(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}

// Frame is one complete wire message.
type Frame struct {
	Kind    schema.Kind
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{
		MaxPayloadBytes: 64 * 1024 * 1024,
	}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: header", ErrTruncated)
		}
		// clean EOF between frames is the peer closing
		return Frame{}, err
	}

	rawKind, length := DecodeHeader(hdr)
	if limits.MaxPayloadBytes > 0 && length > limits.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: len=%d max=%d", ErrPayloadTooLarge, length, limits.MaxPayloadBytes)
	}

	kind := schema.Kind(rawKind)
	if !kind.Valid() {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return Frame{}, fmt.Errorf("%w: payload of unknown kind=%d", ErrTruncated, rawKind)
		}
		return Frame{}, &FramingError{Kind: rawKind, Len: length, Err: ErrUnknownKind}
	}

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("%w: payload kind=%s want=%d", ErrTruncated, kind, length)
		}
	}
	return Frame{Kind: kind, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	b, err := Encode(f.Kind, f.Payload, limits)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// Encode renders one frame into a single buffer so a stream write is never
// split between header and payload.
func Encode(kind schema.Kind, payload []byte, limits Limits) ([]byte, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(kind))
	}
	if uint64(len(payload)) > uint64(^uint32(0)) ||
		(limits.MaxPayloadBytes > 0 && uint64(len(payload)) > uint64(limits.MaxPayloadBytes)) {
		return nil, fmt.Errorf("%w: len=%d", ErrPayloadTooLarge, len(payload))
	}
	buf := make([]byte, HeaderLen+len(payload))
	hdr := EncodeHeader(uint8(kind), uint32(len(payload)))
	copy(buf, hdr[:])
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// Decode parses exactly one frame from b.
func Decode(b []byte, limits Limits) (Frame, error) {
	return ReadFrame(bytes.NewReader(b), limits)
}

func EncodeHeader(kind uint8, length uint32) [HeaderLen]byte {
	var hdr [HeaderLen]byte
	hdr[0] = kind
	binary.BigEndian.PutUint32(hdr[1:5], length)
	return hdr
}

func DecodeHeader(hdr [HeaderLen]byte) (uint8, uint32) {
	return hdr[0], binary.BigEndian.Uint32(hdr[1:5])
}
