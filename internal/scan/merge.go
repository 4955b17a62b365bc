package scan

import (
	"sort"

	"github.com/samber/lo"
)

// Merge concatenates local then remote detections and assigns sequential
// ids. This is the only place ids are issued.
func Merge(local, remote []DetectionObject) []DetectionObject {
	merged := lo.Flatten([][]DetectionObject{local, remote})
	return AssignIDs(merged)
}

// AssignIDs returns a copy of objs with ids 0..n-1 in list order.
func AssignIDs(objs []DetectionObject) []DetectionObject {
	return lo.Map(objs, func(o DetectionObject, i int) DetectionObject {
		o.ID = i
		return o
	})
}

// Flagged keeps objects whose class is marked for hyperspectral scanning,
// preserving order.
func Flagged(objs []DetectionObject, targets TargetClasses) []DetectionObject {
	return lo.Filter(objs, func(o DetectionObject, _ int) bool {
		return targets.Flagged(o.Label)
	})
}

// GroupByCamera buckets detections per frame position for stitching,
// matching each object's camera index to a frame's. Objects with no
// matching frame are returned separately.
func GroupByCamera(objs []DetectionObject, frames []Image) ([][]DetectionObject, []DetectionObject) {
	pos := make(map[int]int, len(frames))
	groups := make([][]DetectionObject, len(frames))
	for i, f := range frames {
		pos[f.CameraIndex] = i
		groups[i] = make([]DetectionObject, 0)
	}
	orphans := make([]DetectionObject, 0)
	for _, o := range objs {
		i, ok := pos[o.CameraIndex]
		if !ok {
			orphans = append(orphans, o)
			continue
		}
		groups[i] = append(groups[i], o)
	}
	return groups, orphans
}

// ApplyPanorama copies translated boxes from stitched groups back onto objs
// by id. A stitched object's BBox is in panorama space unless it already
// carries PanoramaBBox.
func ApplyPanorama(objs []DetectionObject, stitched [][]DetectionObject) []DetectionObject {
	byID := lo.KeyBy(lo.Flatten(stitched), func(o DetectionObject) int { return o.ID })
	return lo.Map(objs, func(o DetectionObject, _ int) DetectionObject {
		if s, ok := byID[o.ID]; ok {
			box := s.FusedBox()
			o.PanoramaBBox = &box
		}
		return o
	})
}

// NMS is class-aware IoU non-maximum suppression. The higher confidence box
// wins; ties go to the lower id. Output keeps input order.
type NMS struct {
	Threshold float64
}

func (n NMS) Suppress(objs []DetectionObject) []DetectionObject {
	order := make([]int, len(objs))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		oa, ob := objs[order[a]], objs[order[b]]
		if oa.Confidence != ob.Confidence {
			return oa.Confidence > ob.Confidence
		}
		return oa.ID < ob.ID
	})

	keep := make([]bool, len(objs))
	kept := make([]int, 0, len(objs))
	for _, i := range order {
		suppressed := false
		for _, k := range kept {
			if objs[k].Label != objs[i].Label {
				continue
			}
			if objs[k].FusedBox().IoU(objs[i].FusedBox()) > n.Threshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			keep[i] = true
			kept = append(kept, i)
		}
	}
	return lo.Filter(objs, func(_ DetectionObject, i int) bool { return keep[i] })
}
