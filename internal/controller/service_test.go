package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/fieldscan/internal/comms"
	"github.com/danmuck/fieldscan/internal/scan"
	"github.com/danmuck/fieldscan/internal/scanner"
	"github.com/danmuck/fieldscan/internal/testutil/pipenet"
	"github.com/danmuck/fieldscan/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServiceConfig() ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.HTTPAddr = ""
	cfg.Session = fastSession()
	cfg.Timeouts = fastTimeouts()
	cfg.Location = scan.GeoPoint{Lat: 1, Lon: 2}
	return cfg
}

func fakeDeps() Deps {
	return Deps{
		Camera: fakeCamera{frames: []scan.Image{{Name: "front", CameraIndex: 0}}},
		Detector: fakeDetector{byFrame: map[string][]scan.DetectionObject{
			"front": {{Label: "plant", Confidence: 0.9, BBox: scan.BBox{X1: 10, Y1: 10, X2: 50, Y2: 50}}},
		}},
	}
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestServiceRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	network := pipenet.New()
	svc := NewService(testServiceConfig(), fakeDeps(), nil, network.Listener())
	r := svc.Router()

	w := do(t, r, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "disconnected", status["link"])

	w = do(t, r, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = do(t, r, http.MethodPut, "/targets", scan.TargetClasses{"rock": true})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, svc.Controller().Targets().Flagged("rock"))
	assert.False(t, svc.Controller().Targets().Flagged("plant"))

	w = do(t, r, http.MethodPost, "/scan", map[string]any{"manual": true})
	assert.Equal(t, http.StatusAccepted, w.Code)
	w = do(t, r, http.MethodPost, "/scan", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "a queued trigger blocks the next")

	queued := <-svc.triggers
	assert.True(t, queued.Manual)
	assert.Equal(t, scan.GeoPoint{Lat: 1, Lon: 2}, queued.Location)

	w = do(t, r, http.MethodGet, "/cycles/last", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, r, http.MethodPut, "/targets", "not a map")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServiceRunsTriggeredCycle(t *testing.T) {
	testlog.Start(t)
	network := pipenet.New()
	svc := NewService(testServiceConfig(), fakeDeps(), nil, network.Listener())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	scnEP := comms.NewEndpoint(comms.EndpointConfig{Role: scan.RoleScanner, Addr: "pipe", Dial: network.Dial, Session: fastSession()})
	require.NoError(t, scnEP.Start())
	t.Cleanup(scnEP.Stop)
	scnCfg := scanner.DefaultConfig()
	scnCfg.Poll = 20 * time.Millisecond
	scn := scanner.New(scnEP, scanner.Deps{
		Camera:        fakeCamera{frames: []scan.Image{{Name: "rear"}}},
		Detector:      fakeDetector{},
		Hyperspectral: &fakeHyperspectral{fps: 30},
	}, scnCfg)
	go func() { _ = scn.Run(ctx) }()

	require.Eventually(t, func() bool { return svc.Endpoint().IsConnected() }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, svc.Trigger(Trigger{}))
	require.Eventually(t, func() bool { return svc.LastCycle().Outcome == "ok" }, 3*time.Second, 10*time.Millisecond)

	last := svc.LastCycle()
	require.NotNil(t, last.Cycle)
	require.Len(t, last.Cycle.Objects, 1)
	assert.NotNil(t, last.Cycle.Objects[0].Hyperspectral)
	assert.Equal(t, scan.GeoPoint{}, last.Cycle.Location, "explicit triggers keep their own location")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("service did not stop")
	}
}

type stepLocator struct {
	points []scan.GeoPoint
	i      int
}

func (l *stepLocator) Locate(context.Context) (scan.GeoPoint, error) {
	p := l.points[min(l.i, len(l.points)-1)]
	l.i++
	return p, nil
}

func TestIntervalLoopWaitsForMovement(t *testing.T) {
	testlog.Start(t)
	cfg := testServiceConfig()
	cfg.ScanInterval = 5 * time.Millisecond
	cfg.DistanceThreshold = 100
	loc := &stepLocator{points: []scan.GeoPoint{{Lat: 55.88, Lon: -4.32}, {Lat: 55.88, Lon: -4.32}}}
	svc := NewService(cfg, fakeDeps(), loc, pipenet.New().Listener())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = svc.intervalLoop(ctx) }()

	var first Trigger
	select {
	case first = <-svc.triggers:
	case <-time.After(time.Second):
		t.Fatalf("first tick should trigger")
	}
	assert.Equal(t, 55.88, first.Location.Lat)

	select {
	case <-svc.triggers:
		t.Fatalf("stationary node must not trigger again")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServiceTokenGuardsMutatingRoutes(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	cfg := testServiceConfig()
	cfg.HTTPToken = "field-op"
	svc := NewService(cfg, fakeDeps(), nil, pipenet.New().Listener())
	r := svc.Router()

	assert.Equal(t, http.StatusOK, do(t, r, http.MethodGet, "/status", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, r, http.MethodPost, "/scan", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, r, http.MethodPut, "/targets", scan.TargetClasses{"rock": true}).Code)
	assert.True(t, svc.Controller().Targets().Flagged("plant"), "rejected update must not apply")

	req := httptest.NewRequest(http.MethodPost, "/scan", nil)
	req.Header.Set("Authorization", "Bearer field-op")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)
}
