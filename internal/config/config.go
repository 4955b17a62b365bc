package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/fieldscan/internal/controller"
	"github.com/danmuck/fieldscan/internal/protocol/session"
	"github.com/danmuck/fieldscan/internal/scan"
	"github.com/danmuck/fieldscan/internal/scanner"
	"github.com/danmuck/fieldscan/internal/sidecar"
	"gopkg.in/yaml.v3"
)

type linkFile struct {
	Listen           string `toml:"listen" yaml:"listen"`
	ControllerAddr   string `toml:"controller_addr" yaml:"controller_addr"`
	Heartbeat        string `toml:"heartbeat" yaml:"heartbeat"`
	ReconnectDelay   string `toml:"reconnect_delay" yaml:"reconnect_delay"`
	AcceptRetry      string `toml:"accept_retry" yaml:"accept_retry"`
	WriteTimeout     string `toml:"write_timeout" yaml:"write_timeout"`
	ReadTimeout      string `toml:"read_timeout" yaml:"read_timeout"`
	OutboundCapacity int    `toml:"outbound_capacity" yaml:"outbound_capacity"`
	InboundCapacity  int    `toml:"inbound_capacity" yaml:"inbound_capacity"`
	MaxPayloadBytes  uint32 `toml:"max_payload_bytes" yaml:"max_payload_bytes"`
}

type httpFile struct {
	Addr        string   `toml:"addr" yaml:"addr"`
	CORSOrigins []string `toml:"cors_origins" yaml:"cors_origins"`
	Token       string   `toml:"token" yaml:"token"`
}

type scanFile struct {
	Targets              map[string]bool `toml:"targets" yaml:"targets"`
	Privacy              bool            `toml:"privacy" yaml:"privacy"`
	IoU                  float64         `toml:"iou" yaml:"iou"`
	Interval             string          `toml:"interval" yaml:"interval"`
	DistanceThreshold    float64         `toml:"distance_threshold" yaml:"distance_threshold"`
	Lat                  float64         `toml:"lat" yaml:"lat"`
	Lon                  float64         `toml:"lon" yaml:"lon"`
	CaptureAckTimeout    string          `toml:"capture_ack_timeout" yaml:"capture_ack_timeout"`
	ExchangeTimeout      string          `toml:"exchange_timeout" yaml:"exchange_timeout"`
	HyperspectralTimeout string          `toml:"hyperspectral_timeout" yaml:"hyperspectral_timeout"`
	ManualTimeout        string          `toml:"manual_timeout" yaml:"manual_timeout"`
}

type scannerFile struct {
	CameraIndexBase   int       `toml:"camera_index_base" yaml:"camera_index_base"`
	TargetsTimeout    string    `toml:"targets_timeout" yaml:"targets_timeout"`
	FrameRate         float64   `toml:"frame_rate" yaml:"frame_rate"`
	ManualStart       float64   `toml:"manual_start" yaml:"manual_start"`
	ManualEnd         float64   `toml:"manual_end" yaml:"manual_end"`
	Width             float64   `toml:"width" yaml:"width"`
	HFOV              float64   `toml:"hfov" yaml:"hfov"`
	MountAngles       []float64 `toml:"mount_angles" yaml:"mount_angles"`
	CalibrationOffset float64   `toml:"calibration_offset" yaml:"calibration_offset"`
	MinSweep          float64   `toml:"min_sweep" yaml:"min_sweep"`
	ScanSpeed         float64   `toml:"scan_speed" yaml:"scan_speed"`
}

type sidecarFile struct {
	Camera        string `toml:"camera" yaml:"camera"`
	Detector      string `toml:"detector" yaml:"detector"`
	Stitcher      string `toml:"stitcher" yaml:"stitcher"`
	Hyperspectral string `toml:"hyperspectral" yaml:"hyperspectral"`
	Timeout       string `toml:"timeout" yaml:"timeout"`
	Retries       uint64 `toml:"retries" yaml:"retries"`
}

type storeFile struct {
	DataPath  string `toml:"data_path" yaml:"data_path"`
	ImageRoot string `toml:"image_root" yaml:"image_root"`
	ImageRef  string `toml:"image_ref" yaml:"image_ref"`
	Location  string `toml:"location" yaml:"location"`
}

type fileConfig struct {
	Link     linkFile    `toml:"link" yaml:"link"`
	HTTP     httpFile    `toml:"http" yaml:"http"`
	Scan     scanFile    `toml:"scan" yaml:"scan"`
	Scanner  scannerFile `toml:"scanner" yaml:"scanner"`
	Sidecars sidecarFile `toml:"sidecars" yaml:"sidecars"`
	Store    storeFile   `toml:"store" yaml:"store"`
}

// definedFunc reports whether a dotted key path was present in the file.
type definedFunc func(key ...string) bool

// decodeFile reads TOML, or YAML for .yaml/.yml paths.
func decodeFile(path string, raw *fileConfig) (definedFunc, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if err := yaml.Unmarshal(data, raw); err != nil {
			return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		var tree map[string]any
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		return func(key ...string) bool { return yamlDefined(tree, key) }, nil
	default:
		meta, err := toml.DecodeFile(path, raw)
		if err != nil {
			return nil, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config parse failed (%s): unknown key %s", path, undecoded[0])
		}
		return meta.IsDefined, nil
	}
}

func yamlDefined(tree map[string]any, key []string) bool {
	var node any = tree
	for _, k := range key {
		m, ok := node.(map[string]any)
		if !ok {
			return false
		}
		node, ok = m[k]
		if !ok {
			return false
		}
	}
	return true
}

// LoadController reads a Controller config file over the defaults, then
// applies FIELDSCAN_* environment overrides. An empty path loads defaults
// and environment only.
func LoadController(path string) (controller.ServiceConfig, error) {
	cfg := controller.DefaultServiceConfig()
	if strings.TrimSpace(path) != "" {
		var raw fileConfig
		defined, err := decodeFile(path, &raw)
		if err != nil {
			return controller.ServiceConfig{}, err
		}
		if err := applyController(&cfg, raw, defined); err != nil {
			return controller.ServiceConfig{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := applyControllerEnv(&cfg); err != nil {
		return controller.ServiceConfig{}, err
	}
	if err := ValidateController(cfg); err != nil {
		return controller.ServiceConfig{}, err
	}
	return cfg, nil
}

// LoadScanner is LoadController for the Scanner node.
func LoadScanner(path string) (scanner.ServiceConfig, error) {
	cfg := scanner.DefaultServiceConfig()
	if strings.TrimSpace(path) != "" {
		var raw fileConfig
		defined, err := decodeFile(path, &raw)
		if err != nil {
			return scanner.ServiceConfig{}, err
		}
		if err := applyScanner(&cfg, raw, defined); err != nil {
			return scanner.ServiceConfig{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if err := applyScannerEnv(&cfg); err != nil {
		return scanner.ServiceConfig{}, err
	}
	if err := ValidateScanner(cfg); err != nil {
		return scanner.ServiceConfig{}, err
	}
	return cfg, nil
}

func applyController(cfg *controller.ServiceConfig, raw fileConfig, defined definedFunc) error {
	if defined("link", "listen") {
		cfg.ListenAddr = strings.TrimSpace(raw.Link.Listen)
	}
	if err := applyLink(&cfg.Session, raw.Link, defined); err != nil {
		return err
	}
	applyHTTP(&cfg.HTTPAddr, &cfg.CORSOrigins, raw.HTTP, defined)
	if defined("http", "token") {
		cfg.HTTPToken = strings.TrimSpace(raw.HTTP.Token)
	}

	s := raw.Scan
	if defined("scan", "targets") {
		cfg.Targets = scan.TargetClasses(s.Targets).Clone()
	}
	if defined("scan", "privacy") {
		cfg.Privacy = s.Privacy
	}
	if defined("scan", "iou") {
		cfg.IoU = s.IoU
	}
	if defined("scan", "distance_threshold") {
		cfg.DistanceThreshold = s.DistanceThreshold
	}
	if defined("scan", "lat") {
		cfg.Location.Lat = s.Lat
	}
	if defined("scan", "lon") {
		cfg.Location.Lon = s.Lon
	}
	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"interval", s.Interval, &cfg.ScanInterval},
		{"capture_ack_timeout", s.CaptureAckTimeout, &cfg.Timeouts.CaptureAck},
		{"exchange_timeout", s.ExchangeTimeout, &cfg.Timeouts.Exchange},
		{"hyperspectral_timeout", s.HyperspectralTimeout, &cfg.Timeouts.Hyperspectral},
		{"manual_timeout", s.ManualTimeout, &cfg.Timeouts.ManualSweep},
	}
	for _, d := range durations {
		if !defined("scan", d.key) {
			continue
		}
		if err := parseDuration("scan."+d.key, d.val, d.dst); err != nil {
			return err
		}
	}

	sc := raw.Sidecars
	if defined("sidecars", "camera") {
		cfg.Camera.URL = strings.TrimSpace(sc.Camera)
	}
	if defined("sidecars", "detector") {
		cfg.Detector.URL = strings.TrimSpace(sc.Detector)
	}
	if defined("sidecars", "stitcher") {
		cfg.Stitcher.URL = strings.TrimSpace(sc.Stitcher)
	}
	for _, c := range []*sidecar.Config{&cfg.Camera, &cfg.Detector, &cfg.Stitcher} {
		if err := applySidecarCommon(c, sc, defined); err != nil {
			return err
		}
	}

	st := raw.Store
	if defined("store", "data_path") {
		cfg.Store.DataPath = st.DataPath
	}
	if defined("store", "image_root") {
		cfg.Store.ImageRoot = st.ImageRoot
	}
	if defined("store", "image_ref") {
		cfg.Store.ImageRef = st.ImageRef
	}
	if defined("store", "location") {
		cfg.Store.Location = st.Location
	}
	return nil
}

func applyScanner(cfg *scanner.ServiceConfig, raw fileConfig, defined definedFunc) error {
	if defined("link", "controller_addr") {
		cfg.ControllerAddr = strings.TrimSpace(raw.Link.ControllerAddr)
	}
	if err := applyLink(&cfg.Session, raw.Link, defined); err != nil {
		return err
	}
	applyHTTP(&cfg.HTTPAddr, &cfg.CORSOrigins, raw.HTTP, defined)

	s := raw.Scanner
	sc := &cfg.Scanner
	g := &sc.Geometry
	if defined("scanner", "camera_index_base") {
		sc.CameraIndexBase = s.CameraIndexBase
	}
	if defined("scanner", "targets_timeout") {
		if err := parseDuration("scanner.targets_timeout", s.TargetsTimeout, &sc.TargetsTimeout); err != nil {
			return err
		}
	}
	floats := []struct {
		key string
		val float64
		dst *float64
	}{
		{"frame_rate", s.FrameRate, &sc.FrameRate},
		{"manual_start", s.ManualStart, &sc.ManualStart},
		{"manual_end", s.ManualEnd, &sc.ManualEnd},
		{"width", s.Width, &g.Width},
		{"hfov", s.HFOV, &g.HFOV},
		{"calibration_offset", s.CalibrationOffset, &g.CalibrationOffset},
		{"min_sweep", s.MinSweep, &g.MinSweep},
		{"scan_speed", s.ScanSpeed, &g.ScanSpeed},
	}
	for _, f := range floats {
		if defined("scanner", f.key) {
			*f.dst = f.val
		}
	}
	if defined("scanner", "mount_angles") {
		g.MountAngles = append([]float64(nil), s.MountAngles...)
	}

	side := raw.Sidecars
	if defined("sidecars", "camera") {
		cfg.Camera.URL = strings.TrimSpace(side.Camera)
	}
	if defined("sidecars", "detector") {
		cfg.Detector.URL = strings.TrimSpace(side.Detector)
	}
	if defined("sidecars", "hyperspectral") {
		cfg.Hyperspectral.URL = strings.TrimSpace(side.Hyperspectral)
	}
	for _, c := range []*sidecar.Config{&cfg.Camera, &cfg.Detector, &cfg.Hyperspectral} {
		if err := applySidecarCommon(c, side, defined); err != nil {
			return err
		}
	}
	return nil
}

func applyLink(cfg *session.Config, l linkFile, defined definedFunc) error {
	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"heartbeat", l.Heartbeat, &cfg.HeartbeatInterval},
		{"reconnect_delay", l.ReconnectDelay, &cfg.Reconnect.InitialDelay},
		{"accept_retry", l.AcceptRetry, &cfg.AcceptRetryDelay},
		{"write_timeout", l.WriteTimeout, &cfg.WriteTimeout},
		{"read_timeout", l.ReadTimeout, &cfg.ReadTimeout},
	}
	for _, d := range durations {
		if !defined("link", d.key) {
			continue
		}
		if err := parseDuration("link."+d.key, d.val, d.dst); err != nil {
			return err
		}
	}
	if defined("link", "reconnect_delay") {
		cfg.Reconnect.Multiplier = 1
		cfg.Reconnect.MaxDelay = cfg.Reconnect.InitialDelay
	}
	if defined("link", "outbound_capacity") {
		cfg.OutboundCapacity = l.OutboundCapacity
	}
	if defined("link", "inbound_capacity") {
		cfg.InboundCapacity = l.InboundCapacity
	}
	if defined("link", "max_payload_bytes") {
		cfg.Limits.MaxPayloadBytes = l.MaxPayloadBytes
	}
	return nil
}

func applyHTTP(addr *string, origins *[]string, h httpFile, defined definedFunc) {
	if defined("http", "addr") {
		*addr = strings.TrimSpace(h.Addr)
	}
	if defined("http", "cors_origins") {
		*origins = normalizeList(h.CORSOrigins)
	}
}

func applySidecarCommon(c *sidecar.Config, sc sidecarFile, defined definedFunc) error {
	if defined("sidecars", "timeout") {
		if err := parseDuration("sidecars.timeout", sc.Timeout, &c.Timeout); err != nil {
			return err
		}
	}
	if defined("sidecars", "retries") {
		c.Retries = sc.Retries
	}
	return nil
}

func parseDuration(key, raw string, dst *time.Duration) error {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

func ValidateController(cfg controller.ServiceConfig) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("controller config missing link.listen")
	}
	if cfg.IoU < 0 || cfg.IoU > 1 {
		return fmt.Errorf("controller config scan.iou must be within [0,1], got %v", cfg.IoU)
	}
	if cfg.ScanInterval < 0 {
		return fmt.Errorf("controller config scan.interval must not be negative")
	}
	for name, c := range map[string]sidecar.Config{"camera": cfg.Camera, "detector": cfg.Detector, "stitcher": cfg.Stitcher} {
		if strings.TrimSpace(c.URL) == "" {
			return fmt.Errorf("controller config missing sidecars.%s", name)
		}
	}
	return nil
}

func ValidateScanner(cfg scanner.ServiceConfig) error {
	if strings.TrimSpace(cfg.ControllerAddr) == "" {
		return fmt.Errorf("scanner config missing link.controller_addr")
	}
	g := cfg.Scanner.Geometry
	if g.Width <= 0 || g.HFOV <= 0 {
		return fmt.Errorf("scanner config width and hfov must be positive")
	}
	if g.ScanSpeed <= 0 {
		return fmt.Errorf("scanner config scan_speed must be positive")
	}
	if cfg.Scanner.ManualEnd <= cfg.Scanner.ManualStart {
		return fmt.Errorf("scanner config manual_end must exceed manual_start")
	}
	for name, c := range map[string]sidecar.Config{"camera": cfg.Camera, "detector": cfg.Detector, "hyperspectral": cfg.Hyperspectral} {
		if strings.TrimSpace(c.URL) == "" {
			return fmt.Errorf("scanner config missing sidecars.%s", name)
		}
	}
	return nil
}
