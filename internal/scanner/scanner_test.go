package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/fieldscan/internal/comms"
	"github.com/danmuck/fieldscan/internal/protocol/schema"
	"github.com/danmuck/fieldscan/internal/protocol/session"
	"github.com/danmuck/fieldscan/internal/scan"
	"github.com/danmuck/fieldscan/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanLink struct {
	mu      sync.Mutex
	sent    []comms.Message
	inbound chan comms.Message
}

func newChanLink() *chanLink {
	return &chanLink{inbound: make(chan comms.Message, 16)}
}

func (l *chanLink) EnqueueSend(kind schema.Kind, payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, comms.Message{Kind: kind, Payload: payload})
}

func (l *chanLink) NextReceivedContext(ctx context.Context, timeout time.Duration) (comms.Message, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case m := <-l.inbound:
		return m, true
	case <-t.C:
	case <-ctx.Done():
	}
	return comms.Message{}, false
}

func (l *chanLink) ProcessAll(handle comms.Handler) int {
	n := 0
	for {
		select {
		case m := <-l.inbound:
			n++
			handle(m)
		default:
			return n
		}
	}
}

func (l *chanLink) Sent() []comms.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]comms.Message(nil), l.sent...)
}

func kinds(ms []comms.Message) []schema.Kind {
	out := make([]schema.Kind, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Kind)
	}
	return out
}

type stubCamera struct{ err error }

func (c stubCamera) Capture(context.Context) ([]scan.Image, error) {
	if c.err != nil {
		return nil, c.err
	}
	return []scan.Image{{Name: "rear", CameraIndex: 0}, {Name: "right", CameraIndex: 1}}, nil
}

type stubDetector struct{}

func (stubDetector) Detect(_ context.Context, f scan.Image, _ scan.TargetClasses) ([]scan.DetectionObject, error) {
	if f.Name != "rear" {
		return nil, nil
	}
	return []scan.DetectionObject{{ID: 42, Label: "plant", Confidence: 0.7, BBox: scan.BBox{X1: 10, Y1: 10, X2: 20, Y2: 20}}}, nil
}

type stubHS struct {
	fps    float64
	fpsErr error
	err    error
	plans  []scan.SweepPlan
}

func (h *stubHS) FrameRate(context.Context) (float64, error) { return h.fps, h.fpsErr }

func (h *stubHS) Scan(_ context.Context, plan scan.SweepPlan) (scan.HyperspectralResult, error) {
	if h.err != nil {
		return scan.HyperspectralResult{}, h.err
	}
	h.plans = append(h.plans, plan)
	return scan.HyperspectralResult{
		ObjectID:       99,
		Classification: scan.Image{Name: "cls"},
		Materials:      []scan.Material{{Name: "water", Percent: 10}},
	}, nil
}

func newTestScanner(link Link, hs *stubHS, cam stubCamera) *Scanner {
	cfg := DefaultConfig()
	cfg.TargetsTimeout = 100 * time.Millisecond
	cfg.Poll = 10 * time.Millisecond
	return New(link, Deps{Camera: cam, Detector: stubDetector{}, Hyperspectral: hs}, cfg)
}

func scanRequest(t *testing.T, targets scan.TargetClasses) comms.Message {
	t.Helper()
	p, err := session.EncodeScanRequest(scan.ScanRequest{Targets: targets})
	require.NoError(t, err)
	return comms.Message{Kind: schema.KindObjectDetection, Payload: p}
}

func TestCaptureRequestFlow(t *testing.T) {
	testlog.Start(t)
	link := newChanLink()
	s := newTestScanner(link, &stubHS{fps: 30}, stubCamera{})
	link.inbound <- comms.Message{Kind: schema.KindConnect}
	link.inbound <- scanRequest(t, scan.TargetClasses{"plant": true})

	require.True(t, s.Handle(context.Background(), comms.Message{Kind: schema.KindCaptureRequest}))

	sent := link.Sent()
	require.Equal(t, []schema.Kind{schema.KindCaptureAck, schema.KindImageFrames, schema.KindObjectDetection}, kinds(sent))

	batch, err := session.DecodeImageBatch(sent[1].Payload)
	require.NoError(t, err)
	require.Len(t, batch.Images, 2)
	assert.Equal(t, 2, batch.Images[0].CameraIndex)
	assert.Equal(t, 3, batch.Images[1].CameraIndex)

	dets, err := session.DecodeDetectionList(sent[2].Payload)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, scan.UnassignedID, dets[0].ID)
	assert.Equal(t, 2, dets[0].CameraIndex)
	assert.True(t, s.Targets().Flagged("plant"))
}

func TestBackToBackCaptureRequestsRestartCapture(t *testing.T) {
	testlog.Start(t)
	link := newChanLink()
	s := newTestScanner(link, &stubHS{fps: 30}, stubCamera{})
	// A second request reaches the Scanner while the first waits for targets.
	link.inbound <- comms.Message{Kind: schema.KindCaptureRequest}
	link.inbound <- scanRequest(t, scan.TargetClasses{"plant": true})

	require.True(t, s.Handle(context.Background(), comms.Message{Kind: schema.KindCaptureRequest}))

	sent := link.Sent()
	want := []schema.Kind{schema.KindCaptureAck, schema.KindCaptureAck, schema.KindImageFrames, schema.KindObjectDetection}
	require.Equal(t, want, kinds(sent))
	dets, err := session.DecodeDetectionList(sent[3].Payload)
	require.NoError(t, err)
	assert.Len(t, dets, 1)
	st := s.Stats()
	assert.Equal(t, 2, st.Captures)
	assert.Zero(t, st.Failures)
}

func TestCaptureWithoutScanRequestReportsError(t *testing.T) {
	testlog.Start(t)
	link := newChanLink()
	s := newTestScanner(link, &stubHS{fps: 30}, stubCamera{})

	s.Handle(context.Background(), comms.Message{Kind: schema.KindCaptureRequest})
	sent := link.Sent()
	require.Equal(t, []schema.Kind{schema.KindCaptureAck, schema.KindError}, kinds(sent))
	msg, err := session.DecodeError(sent[1].Payload)
	require.NoError(t, err)
	assert.Contains(t, msg, "scan request")
	assert.Equal(t, 1, s.Stats().Failures)
}

func TestCaptureFailureReportsError(t *testing.T) {
	testlog.Start(t)
	link := newChanLink()
	s := newTestScanner(link, &stubHS{fps: 30}, stubCamera{err: errors.New("no camera")})
	s.Handle(context.Background(), comms.Message{Kind: schema.KindCaptureRequest})
	assert.Equal(t, []schema.Kind{schema.KindError}, kinds(link.Sent()))
}

func TestDetectionListSweepsFlaggedInOrder(t *testing.T) {
	testlog.Start(t)
	link := newChanLink()
	hs := &stubHS{fps: 30}
	s := newTestScanner(link, hs, stubCamera{})
	s.setTargets(scan.TargetClasses{"plant": true, "rock": false})

	objs := []scan.DetectionObject{
		{ID: 0, Label: "rock", BBox: scan.BBox{X1: 0, X2: 100}},
		{ID: 1, Label: "plant", BBox: scan.BBox{X1: 4000, X2: 4300}, CameraIndex: 2},
		{ID: 2, Label: "plant", BBox: scan.BBox{X1: 100, X2: 200}, CameraIndex: 0},
	}
	p, err := session.EncodeDetectionList(objs)
	require.NoError(t, err)
	s.Handle(context.Background(), comms.Message{Kind: schema.KindObjectDetection, Payload: p})

	require.Len(t, hs.plans, 2)
	assert.Equal(t, 1, hs.plans[0].ObjectID)
	assert.Equal(t, 2, hs.plans[1].ObjectID)
	assert.InDelta(t, 27.0, hs.plans[0].Sweep(), 1e-9)
	// Camera 2 faces 180; the box sits right of centre so the start wraps.
	assert.Less(t, hs.plans[0].Start, 0.0)

	sent := link.Sent()
	require.Equal(t, []schema.Kind{schema.KindImageFrames, schema.KindObjectDetection, schema.KindImageFrames, schema.KindObjectDetection}, kinds(sent))
	batch, err := session.DecodeImageBatch(sent[0].Payload)
	require.NoError(t, err)
	assert.True(t, batch.Tagged)
	assert.Equal(t, 1, batch.ObjectID)
	meta, err := session.DecodeHyperspectral(sent[1].Payload)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.ObjectID, "result is tagged with the requested object")
	assert.Equal(t, 2, s.Stats().Sweeps)
}

func TestManualScanModeSweepsFullRange(t *testing.T) {
	testlog.Start(t)
	link := newChanLink()
	hs := &stubHS{fpsErr: errors.New("driver busy")}
	s := newTestScanner(link, hs, stubCamera{})

	p, err := session.EncodeScanMode(true)
	require.NoError(t, err)
	s.Handle(context.Background(), comms.Message{Kind: schema.KindObjectDetection, Payload: p})

	require.Len(t, hs.plans, 1)
	plan := hs.plans[0]
	assert.Equal(t, scan.ManualObjectID, plan.ObjectID)
	assert.InDelta(t, -160.0, plan.Start, 1e-9)
	assert.InDelta(t, 200.0, plan.End, 1e-9)
	assert.Equal(t, 30.0, plan.FrameRate, "falls back to configured frame rate")
	assert.Equal(t, 360*30/5, plan.Frames)
}

func TestAutoScanModeWaitsForList(t *testing.T) {
	testlog.Start(t)
	link := newChanLink()
	hs := &stubHS{fps: 30}
	s := newTestScanner(link, hs, stubCamera{})
	p, err := session.EncodeScanMode(false)
	require.NoError(t, err)
	s.Handle(context.Background(), comms.Message{Kind: schema.KindObjectDetection, Payload: p})
	assert.Empty(t, hs.plans)
	assert.Empty(t, link.Sent())
}

func TestSweepFailureStopsRun(t *testing.T) {
	testlog.Start(t)
	link := newChanLink()
	hs := &stubHS{fps: 30, err: errors.New("stage jammed")}
	s := newTestScanner(link, hs, stubCamera{})
	s.setTargets(scan.TargetClasses{"plant": true})

	p, err := session.EncodeDetectionList([]scan.DetectionObject{{ID: 0, Label: "plant"}, {ID: 1, Label: "plant"}})
	require.NoError(t, err)
	s.Handle(context.Background(), comms.Message{Kind: schema.KindObjectDetection, Payload: p})

	assert.Equal(t, []schema.Kind{schema.KindError}, kinds(link.Sent()))
}

func TestRunStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	link := newChanLink()
	s := newTestScanner(link, &stubHS{fps: 30}, stubCamera{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	link.inbound <- scanRequest(t, scan.TargetClasses{"rock": true})
	require.Eventually(t, func() bool { return s.Targets().Flagged("rock") }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
