package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/fieldscan/internal/protocol/schema"
	"github.com/danmuck/fieldscan/internal/testutil/testlog"
)

func TestReadWriteFrameRoundTripAllKinds(t *testing.T) {
	testlog.Start(t)
	payloads := [][]byte{nil, {0x01}, bytes.Repeat([]byte{0xAB}, 70000)}
	for _, kind := range schema.Kinds() {
		for _, payload := range payloads {
			var buf bytes.Buffer
			if err := WriteFrame(&buf, Frame{Kind: kind, Payload: payload}, DefaultLimits()); err != nil {
				t.Fatalf("write %s: %v", kind, err)
			}
			if buf.Len() != HeaderLen+len(payload) {
				t.Fatalf("encoded length = %d want %d", buf.Len(), HeaderLen+len(payload))
			}
			out, err := ReadFrame(&buf, DefaultLimits())
			if err != nil {
				t.Fatalf("read %s: %v", kind, err)
			}
			if out.Kind != kind {
				t.Fatalf("kind mismatch: got=%s want=%s", out.Kind, kind)
			}
			if !bytes.Equal(out.Payload, payload) {
				t.Fatalf("payload mismatch for %s len=%d", kind, len(payload))
			}
		}
	}
}

func TestEncodeHeaderLayout(t *testing.T) {
	testlog.Start(t)
	b, err := Encode(schema.KindObjectDetection, []byte("abc"), DefaultLimits())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{6, 0, 0, 0, 3, 'a', 'b', 'c'}
	if !bytes.Equal(b, want) {
		t.Fatalf("wire bytes = %v want %v", b, want)
	}
}

func TestReadFrameShortHeaderIsTruncated(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{1, 0, 0}), DefaultLimits())
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	if Recoverable(err) {
		t.Fatalf("truncation must not be recoverable")
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader(nil), DefaultLimits())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadFrameShortPayloadIsTruncated(t *testing.T) {
	testlog.Start(t)
	_, err := ReadFrame(bytes.NewReader([]byte{5, 0, 0, 0, 10, 1, 2}), DefaultLimits())
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestReadFrameUnknownKindResyncs(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	buf.Write([]byte{0x7F, 0, 0, 0, 4, 9, 9, 9, 9})
	if err := WriteFrame(&buf, Frame{Kind: schema.KindHeartbeat}, DefaultLimits()); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := ReadFrame(&buf, DefaultLimits())
	if !errors.Is(err, ErrUnknownKind) || !Recoverable(err) {
		t.Fatalf("expected recoverable ErrUnknownKind, got %v", err)
	}
	out, err := ReadFrame(&buf, DefaultLimits())
	if err != nil {
		t.Fatalf("read after unknown kind: %v", err)
	}
	if out.Kind != schema.KindHeartbeat || out.Payload != nil {
		t.Fatalf("unexpected frame after resync: %+v", out)
	}
}

func TestLimitsRejectOversizedPayload(t *testing.T) {
	testlog.Start(t)
	limits := Limits{MaxPayloadBytes: 4}
	if _, err := Encode(schema.KindImageFrames, make([]byte, 5), limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected encode ErrPayloadTooLarge, got %v", err)
	}
	hdr := EncodeHeader(uint8(schema.KindImageFrames), 5)
	if _, err := ReadFrame(bytes.NewReader(hdr[:]), limits); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected decode ErrPayloadTooLarge, got %v", err)
	}
}

func TestEncodeRejectsUnknownKind(t *testing.T) {
	testlog.Start(t)
	if _, err := Encode(schema.Kind(0), nil, DefaultLimits()); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}
