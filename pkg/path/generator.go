package path

import (
	"sort"
	"strings"
	"time"

	"github.com/wheelsort/wheelsort/pkg/clock"
	"github.com/wheelsort/wheelsort/pkg/logger"
	"github.com/wheelsort/wheelsort/pkg/topology"
)

// Generator produces a switching path for a chute.
type Generator interface {
	// GeneratePath returns nil when no route is available.
	GeneratePath(chuteID string) *SwitchingPath
}

// GeneratorOption configures a DefaultGenerator.
type GeneratorOption func(*DefaultGenerator)

// WithSegmentTTL overrides DefaultSegmentTTL.
func WithSegmentTTL(ttl time.Duration) GeneratorOption {
	return func(g *DefaultGenerator) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithExceptionChute sets the fallback chute used when a route does not name one.
func WithExceptionChute(chuteID string) GeneratorOption {
	return func(g *DefaultGenerator) {
		g.exceptionChuteID = chuteID
	}
}

// WithGeneratorClock injects the clock stamping GeneratedAt.
func WithGeneratorClock(c clock.Clock) GeneratorOption {
	return func(g *DefaultGenerator) {
		g.clock = clock.OrSystem(c)
	}
}

// WithGeneratorLogger sets the logger.
func WithGeneratorLogger(log logger.Logger) GeneratorOption {
	return func(g *DefaultGenerator) {
		g.log = logger.OrNop(log)
	}
}

// DefaultGenerator builds paths from a topology.Source.
type DefaultGenerator struct {
	source           topology.Source
	ttl              time.Duration
	exceptionChuteID string
	clock            clock.Clock
	log              logger.Logger
}

// NewGenerator creates a generator reading routes from source.
func NewGenerator(source topology.Source, opts ...GeneratorOption) *DefaultGenerator {
	g := &DefaultGenerator{
		source: source,
		ttl:    DefaultSegmentTTL,
		clock:  clock.System(),
		log:    logger.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// GeneratePath returns the path for chuteID. Blank ids, unknown chutes,
// disabled routes and routes without entries all yield nil; blank ids never
// reach the route source.
func (g *DefaultGenerator) GeneratePath(chuteID string) *SwitchingPath {
	if strings.TrimSpace(chuteID) == "" {
		return nil
	}

	cfg := g.source.GetByChuteID(chuteID)
	p := g.build(cfg)
	metricsRecorder().RecordPathGenerated(p != nil)
	if p == nil && cfg == nil {
		g.log.Debug("no route configured", "chute_id", chuteID)
	}
	return p
}

func (g *DefaultGenerator) build(cfg *topology.ChuteRouteConfiguration) *SwitchingPath {
	if cfg == nil {
		return nil
	}
	if !cfg.IsEnabled {
		g.log.Debug("route disabled", "chute_id", cfg.ChuteID)
		return nil
	}
	if len(cfg.Entries) == 0 {
		g.log.Warn("route has no diverter entries", "chute_id", cfg.ChuteID)
		return nil
	}

	entries := append([]topology.DiverterConfigurationEntry(nil), cfg.Entries...)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].SequenceNumber < entries[j].SequenceNumber
	})

	segments := make([]SwitchingPathSegment, len(entries))
	for i, e := range entries {
		segments[i] = SwitchingPathSegment{
			DiverterID:      e.DiverterID,
			TargetDirection: e.TargetDirection,
			SequenceNumber:  e.SequenceNumber,
			TTL:             g.ttl,
		}
	}

	fallback := cfg.ExceptionChuteID
	if fallback == "" {
		fallback = g.exceptionChuteID
	}

	return NewSwitchingPath(cfg.ChuteID, segments, fallback, g.clock.Now())
}
