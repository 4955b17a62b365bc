package session

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/fieldscan/internal/protocol/schema"
	"github.com/danmuck/fieldscan/internal/protocol/tlv"
	"github.com/danmuck/fieldscan/internal/scan"
	"github.com/danmuck/fieldscan/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func TestImageBatchRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := ImageBatch{
		Tagged:   true,
		ObjectID: 4,
		Images: []scan.Image{
			{Name: "classification.png", CameraIndex: 0, Data: []byte{1, 2, 3}},
			{Name: "ndvi.png", CameraIndex: 0, Data: bytes.Repeat([]byte{9}, 4096)},
		},
	}
	payload, err := EncodeImageBatch(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeImageBatch(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("batch mismatch (-want +got):\n%s", diff)
	}
}

func TestUntaggedImageBatch(t *testing.T) {
	testlog.Start(t)
	payload, err := EncodeImageBatch(ImageBatch{Images: []scan.Image{{Name: "cam2.jpg", CameraIndex: 2, Data: []byte{0xFF}}}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeImageBatch(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Tagged || len(out.Images) != 1 || out.Images[0].CameraIndex != 2 {
		t.Fatalf("unexpected batch: %+v", out)
	}
}

func TestScanRequestRoundTrip(t *testing.T) {
	testlog.Start(t)
	in := scan.ScanRequest{Targets: scan.TargetClasses{"plant": true, "person": false}, Manual: true}
	payload, err := EncodeScanRequest(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeScanRequest(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestDetectionListRoundTrip(t *testing.T) {
	testlog.Start(t)
	dist := 12.5
	pano := scan.BBox{X1: 5000, Y1: 10, X2: 5100, Y2: 90}
	in := []scan.DetectionObject{
		{ID: 0, Label: "plant", Confidence: 0.91, BBox: scan.BBox{X1: 1, Y1: 2, X2: 3, Y2: 4}, CameraIndex: 1},
		{ID: 1, Label: "rock", Confidence: 0.5, BBox: scan.BBox{X1: 10, Y1: 20, X2: 30, Y2: 40}, PanoramaBBox: &pano, CameraIndex: 3, Distance: &dist},
	}
	payload, err := EncodeDetectionList(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeDetectionList(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("detections mismatch (-want +got):\n%s", diff)
	}
}

func TestHyperspectralAssembly(t *testing.T) {
	testlog.Start(t)
	res := scan.HyperspectralResult{
		ObjectID:       0,
		Classification: scan.Image{Name: "class.png", Data: []byte{1}},
		Indices:        []scan.Image{{Name: "ndvi.png", Data: []byte{2}}, {Name: "ndwi.png", Data: []byte{3}}},
		Materials:      []scan.Material{{Name: "chlorophyll", Percent: 61.5}},
	}
	batchPayload, err := EncodeImageBatch(ResultBatch(res))
	if err != nil {
		t.Fatalf("encode batch: %v", err)
	}
	metaPayload, err := EncodeHyperspectral(Hyperspectral{ObjectID: res.ObjectID, Materials: res.Materials})
	if err != nil {
		t.Fatalf("encode meta: %v", err)
	}
	batch, err := DecodeImageBatch(batchPayload)
	if err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	meta, err := DecodeHyperspectral(metaPayload)
	if err != nil {
		t.Fatalf("decode meta: %v", err)
	}
	if diff := cmp.Diff(res, AssembleResult(batch, meta)); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
}

func TestPayloadSchemaDispatch(t *testing.T) {
	testlog.Start(t)
	mode, _ := EncodeScanMode(false)
	list, _ := EncodeDetectionList(nil)
	errPayload, _ := EncodeError("capture failed")
	cases := map[uint8][]byte{
		schema.SchemaScanMode:      mode,
		schema.SchemaDetectionList: list,
		schema.SchemaError:         errPayload,
	}
	for want, payload := range cases {
		got, err := PayloadSchema(payload)
		if err != nil || got != want {
			t.Fatalf("PayloadSchema = %d,%v want %d", got, err, want)
		}
	}
	if _, err := PayloadSchema(nil); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
	msg, err := DecodeError(errPayload)
	if err != nil || msg != "capture failed" {
		t.Fatalf("DecodeError = %q,%v", msg, err)
	}
}

func TestDecodeRejectsWrongSchema(t *testing.T) {
	testlog.Start(t)
	mode, err := EncodeScanMode(true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeDetectionList(mode); err == nil {
		t.Fatalf("expected schema mismatch")
	}
	garbage := tlv.EncodeFields([]tlv.Field{tlv.String(schema.FieldMessage, "no header")})
	if _, err := DecodeError(garbage); err == nil {
		t.Fatalf("expected missing schema header to fail")
	}
}

func TestNewBackOffFixedDelay(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig().Reconnect
	for attempt := 1; attempt <= 4; attempt++ {
		if d := NextBackoffDelay(cfg, attempt); d != 5*time.Second {
			t.Fatalf("attempt %d delay = %v want 5s", attempt, d)
		}
	}
	exp := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	if d := NextBackoffDelay(exp, 3); d != 400*time.Millisecond {
		t.Fatalf("exponential attempt 3 = %v want 400ms", d)
	}
	if d := NextBackoffDelay(exp, 10); d != time.Second {
		t.Fatalf("exponential cap = %v want 1s", d)
	}
}

func TestNewBackOffJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: 250 * time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Second, Jitter: true}
	for i := 0; i < 20; i++ {
		got := NextBackoffDelay(cfg, 1)
		if got < 125*time.Millisecond || got > 375*time.Millisecond {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{HeartbeatInterval: time.Second}.WithDefaults()
	if cfg.HeartbeatInterval != time.Second {
		t.Fatalf("explicit heartbeat overwritten: %v", cfg.HeartbeatInterval)
	}
	if cfg.OutboundCapacity != 256 || cfg.StopTimeout != 2*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Limits.MaxPayloadBytes == 0 {
		t.Fatalf("limits not applied")
	}
}
