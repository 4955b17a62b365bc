package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/danmuck/fieldscan/internal/controller"
	"github.com/danmuck/fieldscan/internal/protocol/session"
	"github.com/danmuck/fieldscan/internal/scan"
	"github.com/danmuck/fieldscan/internal/scanner"
)

// EnvPrefix namespaces every override variable.
const EnvPrefix = "FIELDSCAN_"

// Unset variables leave the pointer fields nil.
type linkEnv struct {
	Heartbeat      *time.Duration `env:"HEARTBEAT"`
	ReconnectDelay *time.Duration `env:"RECONNECT_DELAY"`
	WriteTimeout   *time.Duration `env:"WRITE_TIMEOUT"`
	HTTPAddr       *string        `env:"HTTP_ADDR"`
	CORSOrigins    []string       `env:"CORS_ORIGINS" envSeparator:","`
}

type controllerEnv struct {
	linkEnv
	Listen        *string         `env:"LISTEN"`
	HTTPToken     *string         `env:"HTTP_TOKEN"`
	Targets       map[string]bool `env:"TARGETS" envSeparator:"," envKeyValSeparator:":"`
	Privacy       *bool           `env:"PRIVACY"`
	ScanInterval  *time.Duration  `env:"SCAN_INTERVAL"`
	Lat           *float64        `env:"LAT"`
	Lon           *float64        `env:"LON"`
	CameraURL     *string         `env:"CAMERA_URL"`
	DetectorURL   *string         `env:"DETECTOR_URL"`
	StitcherURL   *string         `env:"STITCHER_URL"`
	StoreDataPath *string         `env:"STORE_DATA_PATH"`
}

type scannerEnv struct {
	linkEnv
	ControllerAddr   *string  `env:"CONTROLLER_ADDR"`
	CameraIndexBase  *int     `env:"CAMERA_INDEX_BASE"`
	FrameRate        *float64 `env:"FRAME_RATE"`
	CameraURL        *string  `env:"CAMERA_URL"`
	DetectorURL      *string  `env:"DETECTOR_URL"`
	HyperspectralURL *string  `env:"HYPERSPECTRAL_URL"`
}

func parseEnv(out any, environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(out, opts); err != nil {
		return fmt.Errorf("config env: %w", err)
	}
	return nil
}

func applyControllerEnv(cfg *controller.ServiceConfig) error {
	return applyControllerEnviron(cfg, nil)
}

// applyControllerEnviron reads overrides from environ, or the process
// environment when environ is nil.
func applyControllerEnviron(cfg *controller.ServiceConfig, environ map[string]string) error {
	var e controllerEnv
	if err := parseEnv(&e, environ); err != nil {
		return err
	}
	e.apply(&cfg.Session, &cfg.HTTPAddr, &cfg.CORSOrigins)
	setString(&cfg.ListenAddr, e.Listen)
	setString(&cfg.HTTPToken, e.HTTPToken)
	if e.Targets != nil {
		cfg.Targets = scan.TargetClasses(e.Targets).Clone()
	}
	if e.Privacy != nil {
		cfg.Privacy = *e.Privacy
	}
	if e.ScanInterval != nil {
		cfg.ScanInterval = *e.ScanInterval
	}
	if e.Lat != nil {
		cfg.Location.Lat = *e.Lat
	}
	if e.Lon != nil {
		cfg.Location.Lon = *e.Lon
	}
	setString(&cfg.Camera.URL, e.CameraURL)
	setString(&cfg.Detector.URL, e.DetectorURL)
	setString(&cfg.Stitcher.URL, e.StitcherURL)
	setString(&cfg.Store.DataPath, e.StoreDataPath)
	return nil
}

func applyScannerEnv(cfg *scanner.ServiceConfig) error {
	return applyScannerEnviron(cfg, nil)
}

func applyScannerEnviron(cfg *scanner.ServiceConfig, environ map[string]string) error {
	var e scannerEnv
	if err := parseEnv(&e, environ); err != nil {
		return err
	}
	e.apply(&cfg.Session, &cfg.HTTPAddr, &cfg.CORSOrigins)
	setString(&cfg.ControllerAddr, e.ControllerAddr)
	if e.CameraIndexBase != nil {
		cfg.Scanner.CameraIndexBase = *e.CameraIndexBase
	}
	if e.FrameRate != nil {
		cfg.Scanner.FrameRate = *e.FrameRate
	}
	setString(&cfg.Camera.URL, e.CameraURL)
	setString(&cfg.Detector.URL, e.DetectorURL)
	setString(&cfg.Hyperspectral.URL, e.HyperspectralURL)
	return nil
}

func (e linkEnv) apply(s *session.Config, httpAddr *string, origins *[]string) {
	if e.Heartbeat != nil {
		s.HeartbeatInterval = *e.Heartbeat
	}
	if e.ReconnectDelay != nil {
		s.Reconnect.InitialDelay = *e.ReconnectDelay
		s.Reconnect.MaxDelay = *e.ReconnectDelay
		s.Reconnect.Multiplier = 1
	}
	if e.WriteTimeout != nil {
		s.WriteTimeout = *e.WriteTimeout
	}
	setString(httpAddr, e.HTTPAddr)
	if len(e.CORSOrigins) > 0 {
		*origins = normalizeList(e.CORSOrigins)
	}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}
