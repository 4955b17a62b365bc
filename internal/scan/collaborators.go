package scan

import "context"

// Camera captures one frame per locally attached camera.
type Camera interface {
	Capture(ctx context.Context) ([]Image, error)
}

// Detector finds objects in one frame. Returned objects carry UnassignedID.
type Detector interface {
	Detect(ctx context.Context, frame Image, targets TargetClasses) ([]DetectionObject, error)
}

// Stitcher fuses frames into a panorama and translates each frame's
// detections into panorama coordinates.
type Stitcher interface {
	Stitch(ctx context.Context, frames []Image, detections [][]DetectionObject) (Image, [][]DetectionObject, error)
}

// Deduplicator drops duplicate detections of one physical object.
type Deduplicator interface {
	Suppress(objs []DetectionObject) []DetectionObject
}

// HyperspectralScanner drives the rotational stage and spectral camera.
type HyperspectralScanner interface {
	FrameRate(ctx context.Context) (float64, error)
	Scan(ctx context.Context, plan SweepPlan) (HyperspectralResult, error)
}

// Persister stores a closed cycle.
type Persister interface {
	Persist(ctx context.Context, cycle *ScanCycle) error
}

// Redactor masks sensitive regions of a frame before it is stitched.
type Redactor interface {
	Redact(ctx context.Context, frame Image, detections []DetectionObject) (Image, error)
}

// Locator reports the node's current position.
type Locator interface {
	Locate(ctx context.Context) (GeoPoint, error)
}

var _ Deduplicator = NMS{}
