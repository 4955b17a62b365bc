package scan

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func det(label string, conf float64, box BBox) DetectionObject {
	return DetectionObject{ID: UnassignedID, Label: label, Confidence: conf, BBox: box}
}

func TestMergeAssignsSequentialIDsLocalFirst(t *testing.T) {
	local := []DetectionObject{det("plant", 0.9, BBox{0, 0, 10, 10})}
	remote := []DetectionObject{det("rock", 0.8, BBox{5, 5, 20, 20}), det("plant", 0.7, BBox{1, 1, 2, 2})}

	merged := Merge(local, remote)
	require.Len(t, merged, 3)
	for i, o := range merged {
		assert.Equal(t, i, o.ID)
	}
	assert.Equal(t, "plant", merged[0].Label)
	assert.Equal(t, "rock", merged[1].Label)
	assert.Equal(t, UnassignedID, local[0].ID, "inputs must not be mutated")
}

func TestFlaggedKeepsOrder(t *testing.T) {
	objs := AssignIDs([]DetectionObject{det("plant", 1, BBox{}), det("rock", 1, BBox{}), det("plant", 1, BBox{})})
	got := Flagged(objs, TargetClasses{"plant": true, "rock": false})
	want := []int{0, 2}
	ids := []int{got[0].ID, got[1].ID}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Fatalf("flagged ids (-want +got):\n%s", diff)
	}
}

func TestNMSSuppressesSameClassOverlap(t *testing.T) {
	objs := AssignIDs([]DetectionObject{
		det("plant", 0.6, BBox{0, 0, 10, 10}),
		det("plant", 0.9, BBox{1, 1, 11, 11}),
		det("rock", 0.5, BBox{0, 0, 10, 10}),
		det("plant", 0.4, BBox{50, 50, 60, 60}),
	})
	got := NMS{Threshold: 0.5}.Suppress(objs)
	ids := make([]int, 0, len(got))
	for _, o := range got {
		ids = append(ids, o.ID)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, ids); diff != "" {
		t.Fatalf("kept ids (-want +got):\n%s", diff)
	}
}

func TestNMSPrefersPanoramaBox(t *testing.T) {
	far := BBox{100, 100, 110, 110}
	objs := AssignIDs([]DetectionObject{
		det("plant", 0.9, BBox{0, 0, 10, 10}),
		det("plant", 0.8, BBox{0, 0, 10, 10}),
	})
	objs[1].PanoramaBBox = &far
	got := NMS{Threshold: 0.5}.Suppress(objs)
	assert.Len(t, got, 2)
}

func TestNMSTieKeepsLowerID(t *testing.T) {
	objs := AssignIDs([]DetectionObject{
		det("plant", 0.5, BBox{0, 0, 10, 10}),
		det("plant", 0.5, BBox{0, 0, 10, 10}),
	})
	got := NMS{Threshold: 0.5}.Suppress(objs)
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].ID)
}

func TestGroupByCameraAndApplyPanorama(t *testing.T) {
	objs := AssignIDs([]DetectionObject{
		{Label: "plant", CameraIndex: 0, BBox: BBox{0, 0, 5, 5}},
		{Label: "plant", CameraIndex: 2, BBox: BBox{1, 1, 6, 6}},
		{Label: "plant", CameraIndex: 7},
	})
	frames := []Image{{CameraIndex: 0}, {CameraIndex: 1}, {CameraIndex: 2}}
	groups, orphans := GroupByCamera(objs, frames)
	require.Len(t, groups, 3)
	assert.Len(t, groups[0], 1)
	assert.Len(t, groups[1], 0)
	assert.Len(t, groups[2], 1)
	require.Len(t, orphans, 1)
	assert.Equal(t, 2, orphans[0].ID)

	stitched := [][]DetectionObject{
		{{ID: 0, BBox: BBox{100, 0, 105, 5}}},
		{},
		{{ID: 1, BBox: BBox{300, 1, 305, 6}}},
	}
	out := ApplyPanorama(objs, stitched)
	require.NotNil(t, out[0].PanoramaBBox)
	assert.Equal(t, 100.0, out[0].PanoramaBBox.X1)
	assert.Equal(t, 0.0, out[0].BBox.X1, "source box must be preserved")
	assert.Nil(t, out[2].PanoramaBBox)
}

func TestCycleAttachByID(t *testing.T) {
	c := NewCycle(GeoPoint{Lat: 1, Lon: 2}, ScanRequest{Targets: TargetClasses{"plant": true}}, time.Unix(0, 0))
	require.NotEmpty(t, c.UID)
	c.Objects = AssignIDs([]DetectionObject{det("plant", 1, BBox{}), det("rock", 1, BBox{})})

	assert.True(t, c.Attach(HyperspectralResult{ObjectID: 1, Materials: []Material{{Name: "stone", Percent: 90}}}))
	assert.False(t, c.Attach(HyperspectralResult{ObjectID: 9}))
	assert.Nil(t, c.Objects[0].Hyperspectral)
	require.NotNil(t, c.Objects[1].Hyperspectral)
	assert.Len(t, c.Results(), 1)
}
