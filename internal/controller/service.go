package controller

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/fieldscan/internal/comms"
	logs "github.com/danmuck/fieldscan/internal/logging"
	"github.com/danmuck/fieldscan/internal/protocol/session"
	"github.com/danmuck/fieldscan/internal/scan"
	"github.com/danmuck/fieldscan/internal/sidecar"
	"github.com/danmuck/fieldscan/internal/store"
	"golang.org/x/sync/errgroup"
)

// ServiceConfig configures the Controller process.
type ServiceConfig struct {
	ListenAddr  string
	HTTPAddr    string
	CORSOrigins []string
	// HTTPToken guards POST /scan and PUT /targets when set.
	HTTPToken   string
	Session     session.Config
	Timeouts    Timeouts
	Targets     scan.TargetClasses
	Privacy     bool
	IoU         float64
	// ScanInterval triggers cycles periodically; zero disables it.
	ScanInterval      time.Duration
	DistanceThreshold float64
	Location          scan.GeoPoint
	Camera            sidecar.Config
	Detector          sidecar.Config
	Stitcher          sidecar.Config
	Store             store.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr:        net.JoinHostPort("0.0.0.0", "5002"),
		HTTPAddr:          ":8080",
		Session:           session.DefaultConfig(),
		Timeouts:          DefaultTimeouts(),
		Targets:           scan.TargetClasses{"plant": true},
		IoU:               0.5,
		DistanceThreshold: 5,
		Camera:            sidecar.DefaultConfig("http://127.0.0.1:8101"),
		Detector:          sidecar.DefaultConfig("http://127.0.0.1:8102"),
		Stitcher:          sidecar.DefaultConfig("http://127.0.0.1:8103"),
		Store:             store.DefaultConfig(),
	}
}

// SidecarDeps wires the collaborators to their sidecar processes and the
// pin store.
func SidecarDeps(cfg ServiceConfig) Deps {
	return Deps{
		Camera:    sidecar.NewClient(cfg.Camera),
		Detector:  sidecar.NewClient(cfg.Detector),
		Stitcher:  sidecar.NewClient(cfg.Stitcher),
		Dedup:     scan.NMS{Threshold: cfg.IoU},
		Persister: store.NewPinStore(cfg.Store),
	}
}

// CycleStatus summarises the most recent cycle for the ops surface.
type CycleStatus struct {
	UID        string          `json:"uid,omitempty"`
	Outcome    string          `json:"outcome"`
	Error      string          `json:"error,omitempty"`
	FinishedAt time.Time       `json:"finished_at"`
	Cycle      *scan.ScanCycle `json:"-"`
}

// Service runs the link endpoint, the trigger loop and the ops HTTP server.
type Service struct {
	cfg      ServiceConfig
	endpoint *comms.Endpoint
	ctrl     *Controller
	locator  scan.Locator
	gate     scan.MovementGate
	triggers chan Trigger

	mu     sync.RWMutex
	cycles int
	last   CycleStatus
}

// NewService builds the service. listener may be nil to bind ListenAddr.
func NewService(cfg ServiceConfig, deps Deps, locator scan.Locator, listener net.Listener) *Service {
	if locator == nil {
		locator = scan.FixedLocator(cfg.Location)
	}
	ep := comms.NewEndpoint(comms.EndpointConfig{
		Role:     scan.RoleController,
		Addr:     cfg.ListenAddr,
		Session:  cfg.Session,
		Listener: listener,
	})
	if deps.Dedup == nil && cfg.IoU > 0 {
		deps.Dedup = scan.NMS{Threshold: cfg.IoU}
	}
	ctrl := New(ep, deps, Config{Timeouts: cfg.Timeouts, Targets: cfg.Targets, Privacy: cfg.Privacy})
	return &Service{
		cfg:      cfg,
		endpoint: ep,
		ctrl:     ctrl,
		locator:  locator,
		gate:     scan.MovementGate{Threshold: cfg.DistanceThreshold},
		triggers: make(chan Trigger, 1),
	}
}

func (s *Service) Controller() *Controller { return s.ctrl }

func (s *Service) Endpoint() *comms.Endpoint { return s.endpoint }

// Trigger queues a cycle. It fails when a cycle is running or queued.
func (s *Service) Trigger(t Trigger) error {
	if s.ctrl.Busy() {
		return ErrCycleInFlight
	}
	select {
	case s.triggers <- t:
		return nil
	default:
		return ErrCycleInFlight
	}
}

func (s *Service) LastCycle() CycleStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Run blocks until ctx is cancelled or a component fails.
func (s *Service) Run(ctx context.Context) error {
	if err := s.endpoint.Start(); err != nil {
		return err
	}
	defer s.endpoint.Stop()
	logs.Infof("controller.Service.Run link=%s http=%q interval=%s", s.endpoint.Addr(), s.cfg.HTTPAddr, s.cfg.ScanInterval)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.triggerLoop(ctx) })
	if s.cfg.ScanInterval > 0 {
		g.Go(func() error { return s.intervalLoop(ctx) })
	}
	if strings.TrimSpace(s.cfg.HTTPAddr) != "" {
		g.Go(func() error { return s.serveHTTP(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) triggerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-s.triggers:
			s.runOnce(ctx, t)
		}
	}
}

func (s *Service) runOnce(ctx context.Context, t Trigger) {
	cycle, err := s.ctrl.RunCycle(ctx, t)
	st := CycleStatus{Outcome: outcomeOf(err), FinishedAt: time.Now(), Cycle: cycle}
	if err != nil {
		st.Error = err.Error()
	}
	if cycle != nil {
		st.UID = cycle.UID
	}
	s.mu.Lock()
	s.cycles++
	s.last = st
	s.mu.Unlock()
}

// intervalLoop triggers a cycle every ScanInterval once the node has moved
// at least DistanceThreshold metres since the last one.
func (s *Service) intervalLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		p, err := s.locator.Locate(ctx)
		if err != nil {
			logs.Warnf("controller.intervalLoop locate err=%v", err)
			continue
		}
		if !s.gate.Moved(p) {
			logs.Debugf("controller.intervalLoop stationary lat=%.6f lon=%.6f", p.Lat, p.Lon)
			continue
		}
		if err := s.Trigger(Trigger{Location: p}); err != nil {
			logs.Debugf("controller.intervalLoop skip: %v", err)
		}
	}
}

func (s *Service) serveHTTP(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.HTTPAddr, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
