// Package sidecar adapts the camera, model and hyperspectral sidecar
// processes that run next to each node. They speak JSON over loopback HTTP;
// detection takes a multipart JPEG upload.
package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	logs "github.com/danmuck/fieldscan/internal/logging"
	"github.com/danmuck/fieldscan/internal/scan"
)

var ErrStatus = errors.New("sidecar: bad status")

type Config struct {
	URL     string        `toml:"url"`
	Timeout time.Duration `toml:"timeout"`
	// Retries applies to idempotent calls only. Capture and Scan move
	// hardware and are never retried.
	Retries    uint64        `toml:"retries"`
	RetryDelay time.Duration `toml:"retry_delay"`
}

func DefaultConfig(url string) Config {
	return Config{URL: url, Timeout: 30 * time.Second, Retries: 2, RetryDelay: 500 * time.Millisecond}
}

type Client struct {
	cfg  Config
	http *http.Client
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.URL = strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

var (
	_ scan.Camera               = (*Client)(nil)
	_ scan.Detector             = (*Client)(nil)
	_ scan.Stitcher             = (*Client)(nil)
	_ scan.HyperspectralScanner = (*Client)(nil)
)

type wireImage struct {
	Name   string `json:"name"`
	Camera int    `json:"camera"`
	Data   []byte `json:"data"`
}

type wireDetection struct {
	ID         int      `json:"id"`
	Label      string   `json:"label"`
	Confidence float64  `json:"confidence"`
	X1         float64  `json:"x1"`
	Y1         float64  `json:"y1"`
	X2         float64  `json:"x2"`
	Y2         float64  `json:"y2"`
	Distance   *float64 `json:"distance,omitempty"`
}

func toWireImages(in []scan.Image) []wireImage {
	out := make([]wireImage, len(in))
	for i, img := range in {
		out[i] = wireImage{Name: img.Name, Camera: img.CameraIndex, Data: img.Data}
	}
	return out
}

func fromWireImages(in []wireImage) []scan.Image {
	out := make([]scan.Image, len(in))
	for i, w := range in {
		out[i] = scan.Image{Name: w.Name, CameraIndex: w.Camera, Data: w.Data}
	}
	return out
}

func toWireDetections(in []scan.DetectionObject) []wireDetection {
	out := make([]wireDetection, len(in))
	for i, o := range in {
		out[i] = wireDetection{ID: o.ID, Label: o.Label, Confidence: o.Confidence, X1: o.BBox.X1, Y1: o.BBox.Y1, X2: o.BBox.X2, Y2: o.BBox.Y2, Distance: o.Distance}
	}
	return out
}

func fromWireDetection(w wireDetection, id, camera int) scan.DetectionObject {
	return scan.DetectionObject{
		ID:          id,
		Label:       w.Label,
		Confidence:  w.Confidence,
		BBox:        scan.BBox{X1: w.X1, Y1: w.Y1, X2: w.X2, Y2: w.Y2},
		CameraIndex: camera,
		Distance:    w.Distance,
	}
}

// Capture asks the camera sidecar for one frame per attached camera.
func (c *Client) Capture(ctx context.Context) ([]scan.Image, error) {
	var resp struct {
		Frames []wireImage `json:"frames"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/capture", struct{}{}, &resp); err != nil {
		return nil, fmt.Errorf("sidecar capture: %w", err)
	}
	logs.Debugf("sidecar.Capture frames=%d", len(resp.Frames))
	return fromWireImages(resp.Frames), nil
}

// Detect uploads one frame to /predict as multipart form data.
func (c *Client) Detect(ctx context.Context, frame scan.Image, targets scan.TargetClasses) ([]scan.DetectionObject, error) {
	var resp struct {
		Detections []wireDetection `json:"detections"`
	}
	op := func() error {
		body, contentType, err := predictForm(frame, targets)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL+"/predict", body)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", contentType)
		return c.do(req, &resp)
	}
	if err := c.retry(ctx, "predict", op); err != nil {
		return nil, fmt.Errorf("sidecar predict: %w", err)
	}
	out := make([]scan.DetectionObject, len(resp.Detections))
	for i, w := range resp.Detections {
		out[i] = fromWireDetection(w, scan.UnassignedID, frame.CameraIndex)
	}
	return out, nil
}

func predictForm(frame scan.Image, targets scan.TargetClasses) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := writer.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create form part: %w", err)
	}
	if _, err := part.Write(frame.Data); err != nil {
		return nil, "", fmt.Errorf("write image data: %w", err)
	}
	if err := writer.WriteField("camera", strconv.Itoa(frame.CameraIndex)); err != nil {
		return nil, "", err
	}
	if err := writer.WriteField("classes", strings.Join(targets.Classes(), ",")); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

// Stitch fuses frames and returns each group's detections in panorama
// coordinates, keeping their ids.
func (c *Client) Stitch(ctx context.Context, frames []scan.Image, groups [][]scan.DetectionObject) (scan.Image, [][]scan.DetectionObject, error) {
	req := struct {
		Frames     []wireImage       `json:"frames"`
		Detections [][]wireDetection `json:"detections"`
	}{Frames: toWireImages(frames), Detections: make([][]wireDetection, len(groups))}
	for i, g := range groups {
		req.Detections[i] = toWireDetections(g)
	}
	var resp struct {
		Panorama   wireImage         `json:"panorama"`
		Detections [][]wireDetection `json:"detections"`
	}
	if err := c.retry(ctx, "stitch", func() error {
		return c.doJSONOnce(ctx, http.MethodPost, "/stitch", req, &resp)
	}); err != nil {
		return scan.Image{}, nil, fmt.Errorf("sidecar stitch: %w", err)
	}
	out := make([][]scan.DetectionObject, len(resp.Detections))
	for i, g := range resp.Detections {
		out[i] = make([]scan.DetectionObject, len(g))
		for j, w := range g {
			cam := 0
			if i < len(frames) {
				cam = frames[i].CameraIndex
			}
			out[i][j] = fromWireDetection(w, w.ID, cam)
		}
	}
	pano := fromWireImages([]wireImage{resp.Panorama})[0]
	return pano, out, nil
}

// FrameRate reads the spectral camera's configured frame rate.
func (c *Client) FrameRate(ctx context.Context) (float64, error) {
	var resp struct {
		FPS float64 `json:"fps"`
	}
	if err := c.retry(ctx, "framerate", func() error {
		return c.doJSONOnce(ctx, http.MethodGet, "/hyperspectral/framerate", nil, &resp)
	}); err != nil {
		return 0, fmt.Errorf("sidecar framerate: %w", err)
	}
	return resp.FPS, nil
}

// Scan runs one sweep and blocks until the products are ready.
func (c *Client) Scan(ctx context.Context, plan scan.SweepPlan) (scan.HyperspectralResult, error) {
	var resp struct {
		Classification wireImage       `json:"classification"`
		Indices        []wireImage     `json:"indices"`
		Materials      []scan.Material `json:"materials"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/hyperspectral/scan", plan, &resp); err != nil {
		return scan.HyperspectralResult{}, fmt.Errorf("sidecar scan: %w", err)
	}
	return scan.HyperspectralResult{
		ObjectID:       plan.ObjectID,
		Classification: fromWireImages([]wireImage{resp.Classification})[0],
		Indices:        fromWireImages(resp.Indices),
		Materials:      resp.Materials,
	}, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	err := c.doJSONOnce(ctx, method, path, in, out)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

func (c *Client) doJSONOnce(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return backoff.Permanent(err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.URL+path, body)
	if err != nil {
		return backoff.Permanent(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

// do sends req and decodes a JSON reply. Client errors are permanent;
// transport errors and 5xx can be retried.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("%w: %s, error: %s", ErrStatus, resp.Status, bytes.TrimSpace(bodyBytes))
		if resp.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) retry(ctx context.Context, name string, op backoff.Operation) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryDelay), c.cfg.Retries), ctx)
	return backoff.RetryNotify(op, policy, func(err error, d time.Duration) {
		logs.Warnf("sidecar.%s retry in %s: %v", name, d, err)
	})
}
