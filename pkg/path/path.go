// Package path turns a target chute into a time-bounded sequence of diverter
// actions and executes that sequence against the diverters.
package path

import (
	"time"

	"github.com/wheelsort/wheelsort/pkg/topology"
)

// DefaultSegmentTTL is how long a generated segment stays valid.
const DefaultSegmentTTL = 5000 * time.Millisecond

// SwitchingPathSegment is one diverter action within a path.
type SwitchingPathSegment struct {
	DiverterID      int64              `json:"diverter_id"`
	TargetDirection topology.Direction `json:"target_direction"`
	SequenceNumber  int                `json:"sequence_number"`
	TTL             time.Duration      `json:"ttl"`
}

// TTLMilliseconds returns the segment TTL in milliseconds.
func (s SwitchingPathSegment) TTLMilliseconds() int64 {
	return s.TTL.Milliseconds()
}

// SwitchingPath is the immutable plan for routing one parcel to a chute.
// Segments are sorted ascending by SequenceNumber and never empty.
type SwitchingPath struct {
	targetChuteID   string
	segments        []SwitchingPathSegment
	fallbackChuteID string
	generatedAt     time.Time
}

// NewSwitchingPath builds a path from already ordered segments. It returns
// nil when segments is empty, since an empty path cannot route anything.
func NewSwitchingPath(targetChuteID string, segments []SwitchingPathSegment, fallbackChuteID string, generatedAt time.Time) *SwitchingPath {
	if len(segments) == 0 {
		return nil
	}
	return &SwitchingPath{
		targetChuteID:   targetChuteID,
		segments:        append([]SwitchingPathSegment(nil), segments...),
		fallbackChuteID: fallbackChuteID,
		generatedAt:     generatedAt,
	}
}

// TargetChuteID is the chute the path routes to.
func (p *SwitchingPath) TargetChuteID() string { return p.targetChuteID }

// FallbackChuteID is the exception chute used when execution fails.
func (p *SwitchingPath) FallbackChuteID() string { return p.fallbackChuteID }

// GeneratedAt is when the path was produced.
func (p *SwitchingPath) GeneratedAt() time.Time { return p.generatedAt }

// Len returns the number of segments.
func (p *SwitchingPath) Len() int { return len(p.segments) }

// Segment returns the i-th segment.
func (p *SwitchingPath) Segment(i int) SwitchingPathSegment { return p.segments[i] }

// Segments returns a copy of the segments.
func (p *SwitchingPath) Segments() []SwitchingPathSegment {
	return append([]SwitchingPathSegment(nil), p.segments...)
}

// ExpiresAt returns the instant segment i stops being valid.
func (p *SwitchingPath) ExpiresAt(i int) time.Time {
	return p.generatedAt.Add(p.segments[i].TTL)
}
