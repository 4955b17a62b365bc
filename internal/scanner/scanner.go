package scanner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/fieldscan/internal/comms"
	logs "github.com/danmuck/fieldscan/internal/logging"
	"github.com/danmuck/fieldscan/internal/observability"
	"github.com/danmuck/fieldscan/internal/protocol/schema"
	"github.com/danmuck/fieldscan/internal/protocol/session"
	"github.com/danmuck/fieldscan/internal/scan"
)

var (
	ErrTargetsTimeout = errors.New("scanner: timed out waiting for scan request")
	ErrConnectionLost = errors.New("scanner: connection lost")
	// errSuperseded aborts a capture whose targets never came because a
	// newer CAPTURE_REQUEST arrived first.
	errSuperseded = errors.New("scanner: capture superseded by a newer request")
)

// Link is the part of the comms endpoint the Scanner needs.
type Link interface {
	EnqueueSend(kind schema.Kind, payload []byte)
	NextReceivedContext(ctx context.Context, timeout time.Duration) (comms.Message, bool)
	ProcessAll(handle comms.Handler) int
}

type Deps struct {
	Camera        scan.Camera
	Detector      scan.Detector
	Hyperspectral scan.HyperspectralScanner
}

type Config struct {
	Geometry scan.Geometry
	// CameraIndexBase offsets local camera indices so they do not collide
	// with the Controller's.
	CameraIndexBase int
	TargetsTimeout  time.Duration
	// FrameRate is used when the hyperspectral driver cannot report one.
	FrameRate   float64
	ManualStart float64
	ManualEnd   float64
	// Poll bounds each wait in Run so cancellation is noticed.
	Poll time.Duration
}

func DefaultConfig() Config {
	return Config{
		Geometry:        scan.DefaultGeometry(),
		CameraIndexBase: 2,
		TargetsTimeout:  10 * time.Second,
		FrameRate:       30,
		ManualStart:     -180,
		ManualEnd:       180,
		Poll:            time.Second,
	}
}

// Stats is a snapshot of the Scanner's work so far.
type Stats struct {
	Captures int       `json:"captures"`
	Sweeps   int       `json:"sweeps"`
	Failures int       `json:"failures"`
	LastAt   time.Time `json:"last_at"`
	Targets  []string  `json:"targets"`
}

// Scanner answers the Controller's conversation from the inbound queue.
type Scanner struct {
	link Link
	deps Deps
	cfg  Config

	mu      sync.Mutex
	targets scan.TargetClasses
	stats   Stats
}

func New(link Link, deps Deps, cfg Config) *Scanner {
	d := DefaultConfig()
	if cfg.Geometry.Width <= 0 {
		cfg.Geometry = d.Geometry
	}
	if cfg.TargetsTimeout <= 0 {
		cfg.TargetsTimeout = d.TargetsTimeout
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = d.FrameRate
	}
	if cfg.ManualStart == 0 && cfg.ManualEnd == 0 {
		cfg.ManualStart, cfg.ManualEnd = d.ManualStart, d.ManualEnd
	}
	if cfg.Poll <= 0 {
		cfg.Poll = d.Poll
	}
	return &Scanner{link: link, deps: deps, cfg: cfg, targets: scan.TargetClasses{}}
}

// Run handles inbound messages until ctx is done.
func (s *Scanner) Run(ctx context.Context) error {
	logs.Infof("scanner.Run start camera_base=%d", s.cfg.CameraIndexBase)
	for {
		m, ok := s.link.NextReceivedContext(ctx, s.cfg.Poll)
		if err := ctx.Err(); err != nil {
			logs.Infof("scanner.Run stop: %v", err)
			return nil
		}
		if !ok {
			continue
		}
		s.Handle(ctx, m)
		s.link.ProcessAll(func(m comms.Message) bool {
			return s.Handle(ctx, m)
		})
	}
}

// Handle processes one message and reports whether it was meaningful to
// the Scanner.
func (s *Scanner) Handle(ctx context.Context, m comms.Message) bool {
	switch m.Kind {
	case schema.KindCaptureRequest:
		for {
			err := s.capture(ctx)
			if errors.Is(err, errSuperseded) {
				logs.Warnf("scanner.Handle restarting capture for newer request")
				continue
			}
			if err != nil {
				s.fail("capture", err)
			}
			return true
		}
	case schema.KindObjectDetection:
		s.handleDetection(ctx, m)
		return true
	case schema.KindConnect:
		logs.Infof("scanner.Handle controller connected")
		return true
	case schema.KindDisconnect:
		logs.Warnf("scanner.Handle controller disconnected")
		return true
	case schema.KindError:
		msg, _ := session.DecodeError(m.Payload)
		logs.Warnf("scanner.Handle controller error: %s", msg)
		return true
	default:
		return false
	}
}

func (s *Scanner) Targets() scan.TargetClasses {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targets.Clone()
}

func (s *Scanner) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.Targets = s.targets.Classes()
	return out
}

func (s *Scanner) setTargets(t scan.TargetClasses) {
	s.mu.Lock()
	s.targets = t.Clone()
	s.mu.Unlock()
}

func (s *Scanner) bump(fn func(*Stats)) {
	s.mu.Lock()
	fn(&s.stats)
	s.stats.LastAt = time.Now()
	s.mu.Unlock()
}

// capture answers CAPTURE_REQUEST: capture, ack, wait for the target
// mapping, detect, and send frames then detections.
func (s *Scanner) capture(ctx context.Context) error {
	frames, err := s.deps.Camera.Capture(ctx)
	if err != nil {
		return err
	}
	for i := range frames {
		frames[i].CameraIndex += s.cfg.CameraIndexBase
	}
	s.link.EnqueueSend(schema.KindCaptureAck, nil)
	s.bump(func(st *Stats) { st.Captures++ })
	logs.Infof("scanner.capture frames=%d", len(frames))

	req, err := s.awaitScanRequest(ctx)
	if err != nil {
		return err
	}
	s.setTargets(req.Targets)

	dets := make([]scan.DetectionObject, 0)
	for _, f := range frames {
		objs, err := s.deps.Detector.Detect(ctx, f, req.Targets)
		if err != nil {
			logs.Warnf("scanner.capture detect camera=%d err=%v", f.CameraIndex, err)
			continue
		}
		for _, o := range objs {
			o.ID = scan.UnassignedID
			o.CameraIndex = f.CameraIndex
			dets = append(dets, o)
		}
	}

	images, err := session.EncodeImageBatch(session.ImageBatch{Images: frames})
	if err != nil {
		return err
	}
	list, err := session.EncodeDetectionList(dets)
	if err != nil {
		return err
	}
	s.link.EnqueueSend(schema.KindImageFrames, images)
	s.link.EnqueueSend(schema.KindObjectDetection, list)
	logs.Infof("scanner.capture sent frames=%d detections=%d", len(frames), len(dets))
	return nil
}

func (s *Scanner) awaitScanRequest(ctx context.Context) (scan.ScanRequest, error) {
	by := time.Now().Add(s.cfg.TargetsTimeout)
	for {
		remaining := time.Until(by)
		if remaining <= 0 {
			return scan.ScanRequest{}, ErrTargetsTimeout
		}
		m, ok := s.link.NextReceivedContext(ctx, remaining)
		if !ok {
			if err := ctx.Err(); err != nil {
				return scan.ScanRequest{}, err
			}
			continue
		}
		switch m.Kind {
		case schema.KindObjectDetection:
			id, err := session.PayloadSchema(m.Payload)
			if err == nil && id == schema.SchemaScanRequest {
				return session.DecodeScanRequest(m.Payload)
			}
			logs.Warnf("scanner.awaitScanRequest skipping detection payload schema=%d err=%v", id, err)
		case schema.KindCaptureRequest:
			return scan.ScanRequest{}, errSuperseded
		case schema.KindDisconnect:
			return scan.ScanRequest{}, ErrConnectionLost
		case schema.KindConnect, schema.KindHeartbeat:
		default:
			logs.Warnf("scanner.awaitScanRequest skipping kind=%s", m.Kind)
		}
	}
}

func (s *Scanner) handleDetection(ctx context.Context, m comms.Message) {
	if m.Payload == nil {
		logs.Warnf("scanner.handleDetection empty or unreadable payload")
		return
	}
	id, err := session.PayloadSchema(m.Payload)
	if err != nil {
		logs.Warnf("scanner.handleDetection err=%v", err)
		return
	}
	switch id {
	case schema.SchemaScanRequest:
		req, err := session.DecodeScanRequest(m.Payload)
		if err != nil {
			logs.Warnf("scanner.handleDetection scan request err=%v", err)
			return
		}
		s.setTargets(req.Targets)
	case schema.SchemaScanMode:
		manual, err := session.DecodeScanMode(m.Payload)
		if err != nil {
			logs.Warnf("scanner.handleDetection scan mode err=%v", err)
			return
		}
		if !manual {
			return
		}
		plan := s.cfg.Geometry.PlanFullSweep(s.cfg.ManualStart, s.cfg.ManualEnd, s.frameRate(ctx))
		if err := s.sweep(ctx, plan); err != nil {
			s.fail("manual sweep", err)
		}
	case schema.SchemaDetectionList:
		objs, err := session.DecodeDetectionList(m.Payload)
		if err != nil {
			logs.Warnf("scanner.handleDetection detection list err=%v", err)
			return
		}
		s.scanFlagged(ctx, objs)
	default:
		logs.Warnf("scanner.handleDetection unexpected schema=%s", schema.SchemaName(id))
	}
}

// scanFlagged sweeps each object whose class is flagged, in list order.
// The first failure ends the run; the Controller aborts on ERROR.
func (s *Scanner) scanFlagged(ctx context.Context, objs []scan.DetectionObject) {
	targets := s.Targets()
	flagged := scan.Flagged(objs, targets)
	logs.Infof("scanner.scanFlagged objects=%d flagged=%d", len(objs), len(flagged))
	if len(flagged) == 0 {
		return
	}
	fps := s.frameRate(ctx)
	for _, obj := range flagged {
		plan := s.cfg.Geometry.PlanObjectSweep(obj, fps)
		if err := s.sweep(ctx, plan); err != nil {
			s.fail(fmt.Sprintf("sweep object %d", obj.ID), err)
			return
		}
	}
}

func (s *Scanner) sweep(ctx context.Context, plan scan.SweepPlan) error {
	logs.Infof("scanner.sweep object=%d start=%.2f end=%.2f frames=%d speed=%.3f", plan.ObjectID, plan.Start, plan.End, plan.Frames, plan.Speed)
	res, err := s.deps.Hyperspectral.Scan(ctx, plan)
	if err != nil {
		observability.RecordHyperspectralSweep("scanner", false)
		return err
	}
	res.ObjectID = plan.ObjectID
	if err := s.sendResult(res); err != nil {
		return err
	}
	observability.RecordHyperspectralSweep("scanner", true)
	s.bump(func(st *Stats) { st.Sweeps++ })
	return nil
}

// sendResult sends the tagged images then the materials record.
func (s *Scanner) sendResult(res scan.HyperspectralResult) error {
	images, err := session.EncodeImageBatch(session.ResultBatch(res))
	if err != nil {
		return err
	}
	meta, err := session.EncodeHyperspectral(session.Hyperspectral{ObjectID: res.ObjectID, Materials: res.Materials})
	if err != nil {
		return err
	}
	s.link.EnqueueSend(schema.KindImageFrames, images)
	s.link.EnqueueSend(schema.KindObjectDetection, meta)
	return nil
}

func (s *Scanner) frameRate(ctx context.Context) float64 {
	fps, err := s.deps.Hyperspectral.FrameRate(ctx)
	if err != nil || fps <= 0 {
		logs.Warnf("scanner.frameRate fallback=%.1f err=%v", s.cfg.FrameRate, err)
		return s.cfg.FrameRate
	}
	return fps
}

func (s *Scanner) fail(step string, err error) {
	s.bump(func(st *Stats) { st.Failures++ })
	logs.Errf("scanner.%s err=%v", step, err)
	payload, encErr := session.EncodeError(fmt.Sprintf("%s: %v", step, err))
	if encErr != nil {
		logs.Errf("scanner.fail encode err=%v", encErr)
		return
	}
	s.link.EnqueueSend(schema.KindError, payload)
}
