package topology

import (
	"testing"
	"time"
)

func TestChuteRouteConfiguration_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *ChuteRouteConfiguration
		wantErr bool
	}{
		{name: "nil", cfg: nil, wantErr: true},
		{name: "empty chute", cfg: &ChuteRouteConfiguration{ChuteID: " "}, wantErr: true},
		{
			name: "valid",
			cfg: &ChuteRouteConfiguration{ChuteID: "5", Entries: []DiverterConfigurationEntry{
				{DiverterID: 1, TargetDirection: Left, SequenceNumber: 3},
				{DiverterID: 2, TargetDirection: Straight, SequenceNumber: 1},
			}},
		},
		{
			name: "duplicate sequence",
			cfg: &ChuteRouteConfiguration{ChuteID: "5", Entries: []DiverterConfigurationEntry{
				{DiverterID: 1, TargetDirection: Left, SequenceNumber: 1},
				{DiverterID: 2, TargetDirection: Right, SequenceNumber: 1},
			}},
			wantErr: true,
		},
		{
			name: "bad direction",
			cfg: &ChuteRouteConfiguration{ChuteID: "5", Entries: []DiverterConfigurationEntry{
				{DiverterID: 1, TargetDirection: "up", SequenceNumber: 1},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection(" LEFT ")
	if err != nil || d != Left {
		t.Fatalf("ParseDirection = %q, %v", d, err)
	}
	if _, err := ParseDirection("diagonal"); err == nil {
		t.Fatal("expected error for unknown direction")
	}
}

func TestNewLayout(t *testing.T) {
	l, err := NewLayout([]PositionConfig{
		{Index: 2, DiverterID: 20, TravelTime: 4 * time.Second},
		{Index: 1, DiverterID: 10, TravelTime: 2 * time.Second},
	})
	if err != nil {
		t.Fatalf("NewLayout: %v", err)
	}
	positions := l.Positions()
	if positions[0].Index != 1 || positions[1].Index != 2 {
		t.Fatalf("positions not sorted: %+v", positions)
	}
	p, ok := l.PositionOf(20)
	if !ok || p.Index != 2 {
		t.Fatalf("PositionOf(20) = %+v, %v", p, ok)
	}
	if _, ok := l.PositionOf(99); ok {
		t.Fatal("unexpected position for unknown diverter")
	}

	if _, err := NewLayout([]PositionConfig{{Index: 1, DiverterID: 1}, {Index: 1, DiverterID: 2}}); err == nil {
		t.Fatal("expected duplicate index error")
	}
	if _, err := NewLayout([]PositionConfig{{Index: 1, DiverterID: 1}, {Index: 2, DiverterID: 1}}); err == nil {
		t.Fatal("expected duplicate diverter error")
	}
}
