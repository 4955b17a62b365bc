package scan

import (
	"math"
)

// Geometry converts image coordinates into rotational stage positions.
type Geometry struct {
	// Width is the horizontal frame resolution in pixels.
	Width float64
	// HFOV is the horizontal field of view in degrees.
	HFOV float64
	// MountAngles is the fixed heading of each camera index. Indices past
	// the end fall back to index*90.
	MountAngles       []float64
	CalibrationOffset float64
	MinSweep          float64
	// ScanSpeed is the nominal sweep speed in degrees per second.
	ScanSpeed float64
}

func DefaultGeometry() Geometry {
	return Geometry{
		Width:             4608,
		HFOV:              102,
		MountAngles:       []float64{0, 90, 180, 270},
		CalibrationOffset: 20,
		MinSweep:          27,
		ScanSpeed:         5,
	}
}

// SweepPlan is everything the hyperspectral driver needs for one sweep.
type SweepPlan struct {
	ObjectID  int     `json:"object_id"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Frames    int     `json:"frames"`
	Speed     float64 `json:"speed"`
	FrameRate float64 `json:"frame_rate"`
}

func (p SweepPlan) Sweep() float64 {
	return p.End - p.Start
}

func (g Geometry) MountAngle(cameraIndex int) float64 {
	if cameraIndex >= 0 && cameraIndex < len(g.MountAngles) {
		return g.MountAngles[cameraIndex]
	}
	return float64(cameraIndex) * 90
}

// PixelToAngle maps a horizontal pixel to a heading, linear across the
// field of view and centred on the camera's mounting angle.
func (g Geometry) PixelToAngle(px float64, cameraIndex int) float64 {
	if g.Width <= 0 {
		return g.MountAngle(cameraIndex)
	}
	return (px-g.Width/2)*g.HFOV/g.Width + g.MountAngle(cameraIndex)
}

// ComputeTargetAngle maps a heading onto the stage's (-180, 180] travel so
// the positioning move takes the shorter path.
func ComputeTargetAngle(angle, offset float64) float64 {
	if angle > 180 {
		return angle + offset - 360
	}
	return angle + offset
}

// PadSweep widens [start, end] symmetrically to at least minSweep degrees.
func PadSweep(start, end, minSweep float64) (float64, float64) {
	if end < start {
		start, end = end, start
	}
	if width := end - start; width < minSweep {
		pad := (minSweep - width) / 2
		start -= pad
		end += pad
	}
	return start, end
}

// FrameCount is the number of frames captured while sweeping at speed
// deg/s with the camera running at fps. Never less than one.
func FrameCount(sweep, fps, speed float64) int {
	if sweep <= 0 || fps <= 0 || speed <= 0 {
		return 1
	}
	n := int(math.Ceil(sweep * fps / speed))
	return max(n, 1)
}

// RotationSpeed is the stage speed in deg/s that spreads frames captures
// at fps evenly over sweep degrees.
func RotationSpeed(frames int, fps, sweep float64) float64 {
	if frames <= 0 || fps <= 0 {
		return 0
	}
	return sweep / (float64(frames) / fps)
}

// PlanObjectSweep converts an object's source-frame box into a sweep.
func (g Geometry) PlanObjectSweep(obj DetectionObject, fps float64) SweepPlan {
	a := g.PixelToAngle(obj.BBox.X1, obj.CameraIndex)
	b := g.PixelToAngle(obj.BBox.X2, obj.CameraIndex)
	return g.plan(obj.ID, a, b, fps)
}

// PlanFullSweep plans the manual sweep across [start, end].
func (g Geometry) PlanFullSweep(start, end, fps float64) SweepPlan {
	return g.plan(ManualObjectID, start, end, fps)
}

func (g Geometry) plan(id int, a, b, fps float64) SweepPlan {
	start, end := PadSweep(a, b, g.MinSweep)
	width := end - start
	target := ComputeTargetAngle(start, g.CalibrationOffset)
	frames := FrameCount(width, fps, g.ScanSpeed)
	return SweepPlan{
		ObjectID:  id,
		Start:     target,
		End:       target + width,
		Frames:    frames,
		Speed:     RotationSpeed(frames, fps, width),
		FrameRate: fps,
	}
}
