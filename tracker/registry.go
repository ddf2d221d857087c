// Package tracker incrementally links fiducial markers to a single anchor marker and resolves
// the world pose of every visible marker and of the camera observing them.
package tracker

import (
	"go.viam.com/rdk/spatialmath"
	"golang.org/x/exp/slices"
)

const (
	// NoParent marks a record that has not been linked to the anchor.
	NoParent = -1
	// RootParent marks the anchor record, whose frame is the world origin.
	RootParent = -2
)

// MarkerRecord is everything known about one marker id.
type MarkerRecord struct {
	ID int
	// ParentID is RootParent for the anchor, NoParent while unlinked, otherwise the id of the
	// marker this one is linked to.
	ParentID int
	// TransformToParent is the pose of this marker in its parent's frame. Nil while unlinked.
	TransformToParent spatialmath.Pose
	// TransformToWorld is the last successfully resolved pose of this marker in the world frame.
	TransformToWorld spatialmath.Pose
	// CameraPoseLocal is the pose of the camera in this marker's frame from the latest observation.
	CameraPoseLocal spatialmath.Pose
	Visible         bool
}

// Linked reports whether the record has a parent in the marker graph.
func (m *MarkerRecord) Linked() bool {
	return m.ParentID != NoParent
}

func newRecord(id int) *MarkerRecord {
	return &MarkerRecord{
		ID:               id,
		ParentID:         NoParent,
		TransformToWorld: spatialmath.NewZeroPose(),
		CameraPoseLocal:  spatialmath.NewZeroPose(),
	}
}

// Registry owns the marker records of one tracking session.
type Registry struct {
	records map[int]*MarkerRecord
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: map[int]*MarkerRecord{}}
}

// ResetVisibility clears the visible flag of every record.
func (r *Registry) ResetVisibility() {
	for _, rec := range r.records {
		rec.Visible = false
	}
}

// EnsureRecord returns the record for id, creating an unlinked one if it does not exist.
func (r *Registry) EnsureRecord(id int) *MarkerRecord {
	if rec, ok := r.records[id]; ok {
		return rec
	}
	rec := newRecord(id)
	r.records[id] = rec
	return rec
}

// Get returns the record for id if one exists.
func (r *Registry) Get(id int) (*MarkerRecord, bool) {
	rec, ok := r.records[id]
	return rec, ok
}

// MarkVisible sets the visible flag on every registered id in ids. Unregistered ids are ignored.
func (r *Registry) MarkVisible(ids []int) {
	for _, id := range ids {
		if rec, ok := r.records[id]; ok {
			rec.Visible = true
		}
	}
}

// Prune replaces the registry contents with a fresh map holding only keepID's record, and
// returns the ids that were dropped in ascending order.
func (r *Registry) Prune(keepID int) []int {
	fresh := map[int]*MarkerRecord{}
	var dropped []int
	for id, rec := range r.records {
		if id == keepID {
			fresh[id] = rec
			continue
		}
		dropped = append(dropped, id)
	}
	r.records = fresh
	slices.Sort(dropped)
	return dropped
}

// IDs returns every registered id in ascending order.
func (r *Registry) IDs() []int {
	ids := make([]int, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of records.
func (r *Registry) Len() int {
	return len(r.records)
}
