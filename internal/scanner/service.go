package scanner

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/fieldscan/internal/comms"
	logs "github.com/danmuck/fieldscan/internal/logging"
	"github.com/danmuck/fieldscan/internal/observability"
	"github.com/danmuck/fieldscan/internal/protocol/session"
	"github.com/danmuck/fieldscan/internal/scan"
	"github.com/danmuck/fieldscan/internal/sidecar"
	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"
)

type ServiceConfig struct {
	ControllerAddr string
	HTTPAddr       string
	CORSOrigins    []string
	Session        session.Config
	Scanner        Config
	Camera         sidecar.Config
	Detector       sidecar.Config
	Hyperspectral  sidecar.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ControllerAddr: net.JoinHostPort("127.0.0.1", "5002"),
		HTTPAddr:       ":8081",
		Session:        session.DefaultConfig(),
		Scanner:        DefaultConfig(),
		Camera:         sidecar.DefaultConfig("http://127.0.0.1:8201"),
		Detector:       sidecar.DefaultConfig("http://127.0.0.1:8202"),
		Hyperspectral:  sidecar.DefaultConfig("http://127.0.0.1:8203"),
	}
}

func SidecarDeps(cfg ServiceConfig) Deps {
	return Deps{
		Camera:        sidecar.NewClient(cfg.Camera),
		Detector:      sidecar.NewClient(cfg.Detector),
		Hyperspectral: sidecar.NewClient(cfg.Hyperspectral),
	}
}

// Service runs the Scanner's link, its message loop and the ops server.
type Service struct {
	cfg      ServiceConfig
	endpoint *comms.Endpoint
	scanner  *Scanner
}

// NewService builds the service. dial may be nil for TCP.
func NewService(cfg ServiceConfig, deps Deps, dial comms.DialFunc) *Service {
	ep := comms.NewEndpoint(comms.EndpointConfig{
		Role:    scan.RoleScanner,
		Addr:    cfg.ControllerAddr,
		Session: cfg.Session,
		Dial:    dial,
	})
	return &Service{cfg: cfg, endpoint: ep, scanner: New(ep, deps, cfg.Scanner)}
}

func (s *Service) Scanner() *Scanner { return s.scanner }

func (s *Service) Endpoint() *comms.Endpoint { return s.endpoint }

func (s *Service) Run(ctx context.Context) error {
	if err := s.endpoint.Start(); err != nil {
		return err
	}
	defer s.endpoint.Stop()
	logs.Infof("scanner.Service.Run controller=%s http=%q", s.cfg.ControllerAddr, s.cfg.HTTPAddr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.scanner.Run(ctx) })
	if strings.TrimSpace(s.cfg.HTTPAddr) != "" {
		g.Go(func() error { return s.serveHTTP(ctx) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) Router() *gin.Engine {
	r := observability.NewOpsRouter("scanner", s.cfg.CORSOrigins, func() (bool, string) {
		if !s.endpoint.IsConnected() {
			return false, "controller not connected"
		}
		return true, ""
	})
	r.GET("/status", func(c *gin.Context) {
		out, in := s.endpoint.QueueDepths()
		c.JSON(http.StatusOK, gin.H{
			"role":           "scanner",
			"link":           s.endpoint.State().String(),
			"last_heartbeat": s.endpoint.LastHeartbeat(),
			"outbound_queue": out,
			"inbound_queue":  in,
			"stats":          s.scanner.Stats(),
		})
	})
	return r
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
