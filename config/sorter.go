package config

import (
	"fmt"

	"github.com/wheelsort/wheelsort/pkg/sorter"
	"github.com/wheelsort/wheelsort/pkg/topology"
)

// ToSorterConfig converts the sorter and EMC sections to sorter.Config.
func (c *Config) ToSorterConfig() sorter.Config {
	return sorter.Config{
		ExceptionChuteID: c.Sorter.ExceptionChuteID,
		SegmentTTL:       c.Sorter.SegmentTTL,
		ItemTimeout:      c.Sorter.ItemTimeout,
		FallbackAction:   topology.Direction(c.Sorter.FallbackAction),
		DispatchLead:     c.Sorter.DispatchLead,
		PollInterval:     c.Sorter.PollInterval,
		Workers:          c.Sorter.Workers,
		ResetTimeout:     c.EMC.ResetTimeout,
		ResetRetries:     c.EMC.ResetRetries,
		PeerResetHold:    c.EMC.PeerResetHold,
		ReadyAfterPause:  c.EMC.ReadyAfterPause,
	}
}

// Layout builds the line layout from the configured positions.
func (s SorterConfig) Layout() (*topology.Layout, error) {
	return topology.NewLayout(s.Positions)
}

// RouteConfigurations converts the configured routes for the route store.
func (s SorterConfig) RouteConfigurations() ([]*topology.ChuteRouteConfiguration, error) {
	out := make([]*topology.ChuteRouteConfiguration, 0, len(s.Routes))
	for _, r := range s.Routes {
		route := &topology.ChuteRouteConfiguration{
			ChuteID:          r.ChuteID,
			IsEnabled:        !r.Disabled,
			ExceptionChuteID: r.ExceptionChuteID,
			Entries:          make([]topology.DiverterConfigurationEntry, 0, len(r.Entries)),
		}
		for _, e := range r.Entries {
			d, err := topology.ParseDirection(e.Direction)
			if err != nil {
				return nil, fmt.Errorf("route %s: %w", r.ChuteID, err)
			}
			route.Entries = append(route.Entries, topology.DiverterConfigurationEntry{
				DiverterID:      e.DiverterID,
				TargetDirection: d,
				SequenceNumber:  e.Sequence,
			})
		}
		if err := route.Validate(); err != nil {
			return nil, err
		}
		out = append(out, route)
	}
	return out, nil
}
