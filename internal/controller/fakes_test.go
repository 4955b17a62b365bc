package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/danmuck/fieldscan/internal/comms"
	"github.com/danmuck/fieldscan/internal/protocol/schema"
	"github.com/danmuck/fieldscan/internal/scan"
)

type fakeCamera struct {
	frames []scan.Image
	err    error
}

func (c fakeCamera) Capture(context.Context) ([]scan.Image, error) {
	if c.err != nil {
		return nil, c.err
	}
	out := make([]scan.Image, len(c.frames))
	copy(out, c.frames)
	return out, nil
}

// fakeDetector returns a fixed detection list per frame name.
type fakeDetector struct {
	byFrame map[string][]scan.DetectionObject
}

func (d fakeDetector) Detect(_ context.Context, f scan.Image, _ scan.TargetClasses) ([]scan.DetectionObject, error) {
	objs := d.byFrame[f.Name]
	out := make([]scan.DetectionObject, len(objs))
	copy(out, objs)
	return out, nil
}

// shiftStitcher lays frames side by side and shifts each box by its frame
// position times width.
type shiftStitcher struct {
	width float64
	err   error
}

func (s shiftStitcher) Stitch(_ context.Context, frames []scan.Image, groups [][]scan.DetectionObject) (scan.Image, [][]scan.DetectionObject, error) {
	if s.err != nil {
		return scan.Image{}, nil, s.err
	}
	out := make([][]scan.DetectionObject, len(groups))
	for i, g := range groups {
		off := float64(i) * s.width
		for _, o := range g {
			o.BBox = scan.BBox{X1: o.BBox.X1 + off, Y1: o.BBox.Y1, X2: o.BBox.X2 + off, Y2: o.BBox.Y2}
			out[i] = append(out[i], o)
		}
	}
	return scan.Image{Name: "panorama", Data: []byte("pano")}, out, nil
}

type fakeHyperspectral struct {
	mu    sync.Mutex
	fps   float64
	plans []scan.SweepPlan
	err   error
}

func (h *fakeHyperspectral) FrameRate(context.Context) (float64, error) {
	return h.fps, nil
}

func (h *fakeHyperspectral) Scan(_ context.Context, plan scan.SweepPlan) (scan.HyperspectralResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return scan.HyperspectralResult{}, h.err
	}
	h.plans = append(h.plans, plan)
	return scan.HyperspectralResult{
		ObjectID:       plan.ObjectID,
		Classification: scan.Image{Name: "classification", Data: []byte{1, 2, 3}},
		Indices:        []scan.Image{{Name: "ndvi", Data: []byte{4}}, {Name: "ndwi", Data: []byte{5}}},
		Materials:      []scan.Material{{Name: "chlorophyll", Percent: 72.5}},
	}, nil
}

func (h *fakeHyperspectral) Plans() []scan.SweepPlan {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]scan.SweepPlan(nil), h.plans...)
}

type recordingPersister struct {
	mu     sync.Mutex
	cycles []*scan.ScanCycle
}

func (p *recordingPersister) Persist(_ context.Context, c *scan.ScanCycle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cycles = append(p.cycles, c)
	return nil
}

func (p *recordingPersister) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cycles)
}

type blurRedactor struct {
	calls int
}

func (r *blurRedactor) Redact(_ context.Context, f scan.Image, _ []scan.DetectionObject) (scan.Image, error) {
	r.calls++
	f.Name += "-redacted"
	return f, nil
}

// scriptedLink answers each sent message through respond and records what
// was sent.
type scriptedLink struct {
	mu      sync.Mutex
	sent    []comms.Message
	inbound chan comms.Message
	respond func(kind schema.Kind, payload []byte) []comms.Message
}

func newScriptedLink(respond func(schema.Kind, []byte) []comms.Message) *scriptedLink {
	return &scriptedLink{inbound: make(chan comms.Message, 64), respond: respond}
}

func (l *scriptedLink) EnqueueSend(kind schema.Kind, payload []byte) {
	l.mu.Lock()
	l.sent = append(l.sent, comms.Message{Kind: kind, Payload: payload})
	l.mu.Unlock()
	if l.respond == nil {
		return
	}
	for _, m := range l.respond(kind, payload) {
		l.inbound <- m
	}
}

func (l *scriptedLink) NextReceivedContext(ctx context.Context, timeout time.Duration) (comms.Message, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case m := <-l.inbound:
		return m, true
	case <-t.C:
		return comms.Message{}, false
	case <-ctx.Done():
		return comms.Message{}, false
	}
}

func (l *scriptedLink) ProcessAll(handle comms.Handler) int {
	n := 0
	for {
		select {
		case m := <-l.inbound:
			n++
			if handle != nil {
				handle(m)
			}
		default:
			return n
		}
	}
}

func (l *scriptedLink) DiscardOutbound() int { return 0 }

func (l *scriptedLink) IsConnected() bool { return true }

func (l *scriptedLink) Sent() []schema.Kind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]schema.Kind, 0, len(l.sent))
	for _, m := range l.sent {
		out = append(out, m.Kind)
	}
	return out
}

var errCameraOffline = errors.New("camera offline")
