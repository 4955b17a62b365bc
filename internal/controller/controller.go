package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/fieldscan/internal/comms"
	logs "github.com/danmuck/fieldscan/internal/logging"
	"github.com/danmuck/fieldscan/internal/observability"
	"github.com/danmuck/fieldscan/internal/protocol/schema"
	"github.com/danmuck/fieldscan/internal/protocol/session"
	"github.com/danmuck/fieldscan/internal/scan"
)

var (
	ErrConversationTimeout = errors.New("controller: conversation timeout")
	ErrConnectionLost      = errors.New("controller: connection lost")
	ErrPeerError           = errors.New("controller: scanner reported error")
	ErrResultOutOfOrder    = errors.New("controller: hyperspectral result out of order")
	ErrCycleInFlight       = errors.New("controller: scan cycle already in flight")
	ErrCaptureFailed       = errors.New("controller: local capture failed")
)

// Link is the part of the comms endpoint the conversation needs.
type Link interface {
	EnqueueSend(kind schema.Kind, payload []byte)
	NextReceivedContext(ctx context.Context, timeout time.Duration) (comms.Message, bool)
	ProcessAll(handle comms.Handler) int
	DiscardOutbound() int
	IsConnected() bool
}

// Timeouts bound each blocking wait in the conversation.
type Timeouts struct {
	CaptureAck    time.Duration
	Exchange      time.Duration
	Hyperspectral time.Duration
	ManualSweep   time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		CaptureAck:    10 * time.Second,
		Exchange:      60 * time.Second,
		Hyperspectral: 120 * time.Second,
		ManualSweep:   300 * time.Second,
	}
}

// Deps are the collaborators behind the device and model boundaries.
// Redactor and Persister are optional.
type Deps struct {
	Camera    scan.Camera
	Detector  scan.Detector
	Stitcher  scan.Stitcher
	Dedup     scan.Deduplicator
	Redactor  scan.Redactor
	Persister scan.Persister
}

type Config struct {
	Timeouts Timeouts
	Targets  scan.TargetClasses
	// Privacy runs the Redactor over every frame before stitching.
	Privacy bool
}

// Trigger starts one cycle.
type Trigger struct {
	Location scan.GeoPoint `json:"location"`
	Manual   bool          `json:"manual"`
}

// Controller drives the capture conversation from the Controller node.
type Controller struct {
	link Link
	deps Deps
	cfg  Config
	now  func() time.Time

	inFlight atomic.Bool

	mu      sync.RWMutex
	targets scan.TargetClasses
}

func New(link Link, deps Deps, cfg Config) *Controller {
	t := cfg.Timeouts
	d := DefaultTimeouts()
	if t.CaptureAck <= 0 {
		t.CaptureAck = d.CaptureAck
	}
	if t.Exchange <= 0 {
		t.Exchange = d.Exchange
	}
	if t.Hyperspectral <= 0 {
		t.Hyperspectral = d.Hyperspectral
	}
	if t.ManualSweep <= 0 {
		t.ManualSweep = d.ManualSweep
	}
	cfg.Timeouts = t
	if deps.Dedup == nil {
		deps.Dedup = scan.NMS{Threshold: 0.5}
	}
	targets := cfg.Targets.Clone()
	return &Controller{link: link, deps: deps, cfg: cfg, now: time.Now, targets: targets}
}

func (c *Controller) Targets() scan.TargetClasses {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.targets.Clone()
}

// SetTargets replaces the class mapping used by the next cycle.
func (c *Controller) SetTargets(t scan.TargetClasses) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targets = t.Clone()
}

// Busy reports whether a cycle is running.
func (c *Controller) Busy() bool {
	return c.inFlight.Load()
}

// RunCycle runs one full capture conversation and returns the closed cycle.
// Only one cycle runs at a time.
func (c *Controller) RunCycle(ctx context.Context, trig Trigger) (*scan.ScanCycle, error) {
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil, ErrCycleInFlight
	}
	defer c.inFlight.Store(false)

	started := c.now()
	req := scan.ScanRequest{Targets: c.Targets(), Manual: trig.Manual}
	cycle := scan.NewCycle(trig.Location, req, started)
	logs.Infof("controller.RunCycle start uid=%s manual=%v targets=%v connected=%v", cycle.UID, req.Manual, req.Targets.Classes(), c.link.IsConnected())

	err := c.run(ctx, cycle, req)
	outcome := outcomeOf(err)
	observability.RecordScanCycle("controller", req.Manual, outcome, c.now().Sub(started))
	if err != nil {
		// a request still queued would reach the Scanner after reconnect
		// and be answered into the next cycle
		dropped := c.link.DiscardOutbound()
		logs.Warnf("controller.RunCycle abandoned uid=%s outcome=%s dropped_unsent=%d err=%v", cycle.UID, outcome, dropped, err)
		return nil, err
	}

	if c.deps.Persister != nil {
		if err := c.deps.Persister.Persist(ctx, cycle); err != nil {
			logs.Errf("controller.RunCycle persist uid=%s err=%v", cycle.UID, err)
		}
	}
	logs.Infof("controller.RunCycle done uid=%s objects=%d results=%d", cycle.UID, len(cycle.Objects), len(cycle.Results()))
	return cycle, nil
}

func (c *Controller) run(ctx context.Context, cycle *scan.ScanCycle, req scan.ScanRequest) error {
	c.discardStale()

	frames, err := c.deps.Camera.Capture(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	cycle.LocalFrames = frames

	c.link.EnqueueSend(schema.KindCaptureRequest, nil)
	if _, err := c.expect(ctx, schema.KindCaptureAck, c.deadline(c.cfg.Timeouts.CaptureAck)); err != nil {
		return err
	}

	payload, err := session.EncodeScanRequest(req)
	if err != nil {
		return err
	}
	c.link.EnqueueSend(schema.KindObjectDetection, payload)

	local := c.detect(ctx, frames, req.Targets)

	exchangeBy := c.deadline(c.cfg.Timeouts.Exchange)
	m, err := c.expect(ctx, schema.KindImageFrames, exchangeBy)
	if err != nil {
		return err
	}
	batch, err := session.DecodeImageBatch(m.Payload)
	if err != nil {
		logs.Warnf("controller.run scanner frames unreadable uid=%s err=%v", cycle.UID, err)
	}
	cycle.RemoteFrames = batch.Images

	m, err = c.expect(ctx, schema.KindObjectDetection, exchangeBy)
	if err != nil {
		return err
	}
	remote, err := session.DecodeDetectionList(m.Payload)
	if err != nil {
		logs.Warnf("controller.run scanner detections unreadable uid=%s err=%v", cycle.UID, err)
	}

	merged := scan.Merge(local, remote)
	logs.Infof("controller.run merged uid=%s local=%d remote=%d", cycle.UID, len(local), len(remote))

	mode, err := session.EncodeScanMode(req.Manual)
	if err != nil {
		return err
	}
	c.link.EnqueueSend(schema.KindObjectDetection, mode)

	panorama, fused := c.fuse(ctx, cycle.Frames(), merged)
	cycle.Panorama = panorama
	cycle.Objects = c.deps.Dedup.Suppress(fused)

	if req.Manual {
		res, err := c.awaitResult(ctx, scan.ManualObjectID, c.deadline(c.cfg.Timeouts.ManualSweep))
		if err != nil {
			return err
		}
		cycle.ManualResult = &res
		return nil
	}

	list, err := session.EncodeDetectionList(cycle.Objects)
	if err != nil {
		return err
	}
	c.link.EnqueueSend(schema.KindObjectDetection, list)

	for _, obj := range scan.Flagged(cycle.Objects, req.Targets) {
		res, err := c.awaitResult(ctx, obj.ID, c.deadline(c.cfg.Timeouts.Hyperspectral))
		if err != nil {
			return err
		}
		cycle.Attach(res)
	}
	return nil
}

func (c *Controller) detect(ctx context.Context, frames []scan.Image, targets scan.TargetClasses) []scan.DetectionObject {
	out := make([]scan.DetectionObject, 0)
	for _, f := range frames {
		objs, err := c.deps.Detector.Detect(ctx, f, targets)
		if err != nil {
			logs.Warnf("controller.detect camera=%d err=%v", f.CameraIndex, err)
			continue
		}
		for _, o := range objs {
			o.CameraIndex = f.CameraIndex
			o.ID = scan.UnassignedID
			out = append(out, o)
		}
	}
	return out
}

// fuse stitches all frames and maps detections into panorama space. A
// stitch failure keeps the source boxes so the cycle can still finish.
func (c *Controller) fuse(ctx context.Context, frames []scan.Image, objs []scan.DetectionObject) (scan.Image, []scan.DetectionObject) {
	groups, orphans := scan.GroupByCamera(objs, frames)
	if len(orphans) > 0 {
		logs.Warnf("controller.fuse detections without a frame=%d", len(orphans))
	}
	if c.cfg.Privacy && c.deps.Redactor != nil {
		redacted := make([]scan.Image, len(frames))
		for i, f := range frames {
			r, err := c.deps.Redactor.Redact(ctx, f, groups[i])
			if err != nil {
				logs.Warnf("controller.fuse redact camera=%d err=%v", f.CameraIndex, err)
				r = f
			}
			redacted[i] = r
		}
		frames = redacted
	}
	if c.deps.Stitcher == nil {
		return scan.Image{}, objs
	}
	panorama, stitched, err := c.deps.Stitcher.Stitch(ctx, frames, groups)
	if err != nil {
		logs.Warnf("controller.fuse stitch err=%v", err)
		return scan.Image{}, objs
	}
	return panorama, scan.ApplyPanorama(objs, stitched)
}

// awaitResult waits for one IMAGE_FRAMES + OBJECT_DETECTION result pair and
// checks that it belongs to objectID.
func (c *Controller) awaitResult(ctx context.Context, objectID int, by time.Time) (scan.HyperspectralResult, error) {
	m, err := c.expect(ctx, schema.KindImageFrames, by)
	if err != nil {
		return scan.HyperspectralResult{}, err
	}
	batch, err := session.DecodeImageBatch(m.Payload)
	if err != nil {
		logs.Warnf("controller.awaitResult images unreadable object=%d err=%v", objectID, err)
	}
	if batch.Tagged && batch.ObjectID != objectID {
		return scan.HyperspectralResult{}, fmt.Errorf("%w: images for object %d, want %d", ErrResultOutOfOrder, batch.ObjectID, objectID)
	}

	m, err = c.expect(ctx, schema.KindObjectDetection, by)
	if err != nil {
		return scan.HyperspectralResult{}, err
	}
	meta, err := session.DecodeHyperspectral(m.Payload)
	if err != nil {
		logs.Warnf("controller.awaitResult materials unreadable object=%d err=%v", objectID, err)
		meta = session.Hyperspectral{ObjectID: objectID}
	}
	if meta.ObjectID != objectID {
		return scan.HyperspectralResult{}, fmt.Errorf("%w: result for object %d, want %d", ErrResultOutOfOrder, meta.ObjectID, objectID)
	}
	observability.RecordHyperspectralSweep("controller", true)
	return session.AssembleResult(batch, meta), nil
}

// expect waits for the next message of kind. Link events and stray
// messages are skipped; a lost link or a peer ERROR aborts.
func (c *Controller) expect(ctx context.Context, kind schema.Kind, by time.Time) (comms.Message, error) {
	for {
		remaining := time.Until(by)
		if remaining <= 0 {
			return comms.Message{}, fmt.Errorf("%w: waiting for %s", ErrConversationTimeout, kind)
		}
		m, ok := c.link.NextReceivedContext(ctx, remaining)
		if !ok {
			if err := ctx.Err(); err != nil {
				return comms.Message{}, err
			}
			if time.Until(by) > 0 {
				return comms.Message{}, fmt.Errorf("%w: link stopped", ErrConnectionLost)
			}
			continue
		}
		switch m.Kind {
		case kind:
			return m, nil
		case schema.KindDisconnect:
			return comms.Message{}, fmt.Errorf("%w: waiting for %s", ErrConnectionLost, kind)
		case schema.KindError:
			msg, _ := session.DecodeError(m.Payload)
			return comms.Message{}, fmt.Errorf("%w: %s", ErrPeerError, msg)
		case schema.KindConnect, schema.KindHeartbeat:
			continue
		default:
			logs.Warnf("controller.expect skipping kind=%s while waiting for %s", m.Kind, kind)
		}
	}
}

// discardStale drops leftovers from an abandoned cycle so they cannot be
// mistaken for this cycle's replies.
func (c *Controller) discardStale() {
	c.link.ProcessAll(func(m comms.Message) bool {
		switch m.Kind {
		case schema.KindConnect, schema.KindDisconnect:
			logs.Infof("controller.discardStale link event kind=%s", m.Kind)
		default:
			logs.Warnf("controller.discardStale dropping kind=%s payload=%d", m.Kind, len(m.Payload))
		}
		return true
	})
}

func (c *Controller) deadline(d time.Duration) time.Time {
	return time.Now().Add(d)
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConversationTimeout):
		return "timeout"
	case errors.Is(err, ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, ErrPeerError):
		return "peer_error"
	case errors.Is(err, ErrResultOutOfOrder):
		return "out_of_order"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "failed"
	}
}
