package models

import (
	"github.com/wheelsort/wheelsort/pkg/topology"
)

// RouteEntry is one diverter action of a chute route.
type RouteEntry struct {
	DiverterID int64  `json:"diverter_id" validate:"required,gt=0" example:"3"`
	Direction  string `json:"direction" validate:"required,oneof=straight left right" example:"left"`
	Sequence   int    `json:"sequence" validate:"min=1" example:"1"`
}

// RouteRequest replaces the route to a chute.
type RouteRequest struct {
	ExceptionChuteID string       `json:"exception_chute_id,omitempty" validate:"max=64"`
	Disabled         bool         `json:"disabled,omitempty"`
	Entries          []RouteEntry `json:"entries" validate:"required,min=1,dive"`
}

// ToConfiguration builds the stored configuration for chuteID.
func (r RouteRequest) ToConfiguration(chuteID string) *topology.ChuteRouteConfiguration {
	cfg := &topology.ChuteRouteConfiguration{
		ChuteID:          chuteID,
		IsEnabled:        !r.Disabled,
		ExceptionChuteID: r.ExceptionChuteID,
		Entries:          make([]topology.DiverterConfigurationEntry, 0, len(r.Entries)),
	}
	for _, e := range r.Entries {
		cfg.Entries = append(cfg.Entries, topology.DiverterConfigurationEntry{
			DiverterID:      e.DiverterID,
			TargetDirection: topology.Direction(e.Direction),
			SequenceNumber:  e.Sequence,
		})
	}
	return cfg
}

// RouteListResponse wraps the stored routes.
type RouteListResponse struct {
	Routes []*topology.ChuteRouteConfiguration `json:"routes"`
	Total  int                                 `json:"total"`
}
