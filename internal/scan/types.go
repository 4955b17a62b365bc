// Package scan holds the survey domain model shared by the Controller and
// Scanner nodes: detections, hyperspectral results, scan cycles, the
// rotation geometry and the collaborator boundaries.
package scan

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Role identifies which side of the link a node plays.
type Role int

const (
	RoleController Role = iota
	RoleScanner
)

func (r Role) String() string {
	switch r {
	case RoleController:
		return "controller"
	case RoleScanner:
		return "scanner"
	default:
		return "unknown"
	}
}

const (
	// UnassignedID marks a raw detection that has not been merged yet.
	UnassignedID = -2
	// ManualObjectID tags the single result of a full manual sweep.
	ManualObjectID = -1
)

// BBox is an axis aligned box in pixels, (X1,Y1) top-left.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b BBox) Width() float64  { return b.X2 - b.X1 }
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }

func (b BBox) Area() float64 {
	if b.Width() <= 0 || b.Height() <= 0 {
		return 0
	}
	return b.Width() * b.Height()
}

// IoU returns intersection over union of two boxes.
func (b BBox) IoU(o BBox) float64 {
	inter := BBox{
		X1: max(b.X1, o.X1),
		Y1: max(b.Y1, o.Y1),
		X2: min(b.X2, o.X2),
		Y2: min(b.Y2, o.Y2),
	}.Area()
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Image is one encoded picture: a camera frame, a panorama or a
// hyperspectral product.
type Image struct {
	Name        string `json:"name"`
	CameraIndex int    `json:"camera"`
	Data        []byte `json:"-"`
}

type Material struct {
	Name    string  `json:"name"`
	Percent float64 `json:"percent"`
}

// HyperspectralResult is the product of one targeted sweep.
type HyperspectralResult struct {
	ObjectID       int        `json:"object_id"`
	Classification Image      `json:"classification"`
	Indices        []Image    `json:"indices"`
	Materials      []Material `json:"materials"`
}

// Images returns the classification image followed by the index images.
func (r HyperspectralResult) Images() []Image {
	out := make([]Image, 0, 1+len(r.Indices))
	out = append(out, r.Classification)
	return append(out, r.Indices...)
}

// DetectionObject is one detected object. BBox stays in source-frame pixels
// so the Scanner can map it to rotation angles; PanoramaBBox is set after
// stitching.
type DetectionObject struct {
	ID            int                  `json:"id"`
	Label         string               `json:"label"`
	Confidence    float64              `json:"confidence"`
	BBox          BBox                 `json:"bbox"`
	PanoramaBBox  *BBox                `json:"panorama_bbox,omitempty"`
	CameraIndex   int                  `json:"camera"`
	Distance      *float64             `json:"distance,omitempty"`
	Hyperspectral *HyperspectralResult `json:"hyperspectral,omitempty"`
}

// FusedBox is the box used for cross-camera comparison.
func (d DetectionObject) FusedBox() BBox {
	if d.PanoramaBBox != nil {
		return *d.PanoramaBBox
	}
	return d.BBox
}

// TargetClasses maps a detection class to whether objects of that class
// get a hyperspectral scan.
type TargetClasses map[string]bool

func (t TargetClasses) Flagged(label string) bool {
	return t[label]
}

// Classes returns the class names in stable order.
func (t TargetClasses) Classes() []string {
	out := make([]string, 0, len(t))
	for c := range t {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (t TargetClasses) Clone() TargetClasses {
	out := make(TargetClasses, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

type ScanRequest struct {
	Targets TargetClasses
	Manual  bool
}

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// ScanCycle is one trigger's full capture, detection and scan record.
type ScanCycle struct {
	UID          string               `json:"uid"`
	Location     GeoPoint             `json:"location"`
	StartedAt    time.Time            `json:"started_at"`
	Manual       bool                 `json:"manual"`
	Targets      TargetClasses        `json:"targets"`
	LocalFrames  []Image              `json:"-"`
	RemoteFrames []Image              `json:"-"`
	Panorama     Image                `json:"panorama"`
	Objects      []DetectionObject    `json:"objects"`
	ManualResult *HyperspectralResult `json:"manual_result,omitempty"`
}

func NewCycle(loc GeoPoint, req ScanRequest, now time.Time) *ScanCycle {
	return &ScanCycle{
		UID:       uuid.New().String(),
		Location:  loc,
		StartedAt: now,
		Manual:    req.Manual,
		Targets:   req.Targets.Clone(),
	}
}

// Frames returns local frames followed by remote frames.
func (c *ScanCycle) Frames() []Image {
	out := make([]Image, 0, len(c.LocalFrames)+len(c.RemoteFrames))
	out = append(out, c.LocalFrames...)
	return append(out, c.RemoteFrames...)
}

// Attach stores a result on the object with the matching id.
func (c *ScanCycle) Attach(res HyperspectralResult) bool {
	for i := range c.Objects {
		if c.Objects[i].ID == res.ObjectID {
			r := res
			c.Objects[i].Hyperspectral = &r
			return true
		}
	}
	return false
}

// Results returns every attached hyperspectral result in object order.
func (c *ScanCycle) Results() []HyperspectralResult {
	out := make([]HyperspectralResult, 0)
	for _, o := range c.Objects {
		if o.Hyperspectral != nil {
			out = append(out, *o.Hyperspectral)
		}
	}
	if c.ManualResult != nil {
		out = append(out, *c.ManualResult)
	}
	return out
}
