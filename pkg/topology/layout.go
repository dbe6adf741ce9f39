package topology

import (
	"fmt"
	"sort"
	"time"
)

// PositionConfig places one diverter on the belt.
type PositionConfig struct {
	// Index is the ordinal position along the belt, counted from induction.
	Index int `json:"index" mapstructure:"index"`

	// DiverterID is the diverter mounted at this position.
	DiverterID int64 `json:"diverter_id" mapstructure:"diverter_id"`

	// TravelTime is the belt travel time from induction to this diverter.
	TravelTime time.Duration `json:"travel_time" mapstructure:"travel_time"`
}

// Layout is the ordered set of diverter positions on one line.
type Layout struct {
	positions  []PositionConfig
	byDiverter map[int64]PositionConfig
}

// NewLayout validates and indexes the given positions.
func NewLayout(positions []PositionConfig) (*Layout, error) {
	l := &Layout{
		positions:  append([]PositionConfig(nil), positions...),
		byDiverter: make(map[int64]PositionConfig, len(positions)),
	}
	seenIndex := make(map[int]struct{}, len(positions))
	for _, p := range positions {
		if p.Index < 0 {
			return nil, fmt.Errorf("topology: position index %d is negative", p.Index)
		}
		if p.TravelTime < 0 {
			return nil, fmt.Errorf("topology: position %d has negative travel time", p.Index)
		}
		if _, dup := seenIndex[p.Index]; dup {
			return nil, fmt.Errorf("topology: duplicate position index %d", p.Index)
		}
		if _, dup := l.byDiverter[p.DiverterID]; dup {
			return nil, fmt.Errorf("topology: diverter %d mounted at more than one position", p.DiverterID)
		}
		seenIndex[p.Index] = struct{}{}
		l.byDiverter[p.DiverterID] = p
	}
	sort.Slice(l.positions, func(i, j int) bool { return l.positions[i].Index < l.positions[j].Index })
	return l, nil
}

// PositionOf returns where the diverter is mounted.
func (l *Layout) PositionOf(diverterID int64) (PositionConfig, bool) {
	p, ok := l.byDiverter[diverterID]
	return p, ok
}

// Positions returns the positions ordered by index.
func (l *Layout) Positions() []PositionConfig {
	return append([]PositionConfig(nil), l.positions...)
}
