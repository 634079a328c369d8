// Package fusion defines the common track representation shared by both sensor
// sources and the Combiner that merges per-source tracks into a unified scene
// model for the collision predictor.
package fusion

import (
	"math"
	"time"
)

// Source identifies which sensor family produced an observation.
type Source string

const (
	SourceDSRC  Source = "dsrc"
	SourceRadar Source = "radar"
)

// Other returns the opposite sensor family.
func (s Source) Other() Source {
	if s == SourceDSRC {
		return SourceRadar
	}
	return SourceDSRC
}

// Valid reports whether s is a known source tag.
func (s Source) Valid() bool {
	return s == SourceDSRC || s == SourceRadar
}

// RawFrame is one opaque record as read from a sensor channel or a replay log,
// paired with its source and capture time. Frames are immutable once captured
// and die after parsing.
type RawFrame struct {
	Source     Source
	Payload    []byte
	CapturedAt time.Time
}

// Position is a planar position in the vehicle frame, metres.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// DistanceTo returns the Euclidean distance between two positions.
func (p Position) DistanceTo(q Position) float64 {
	dx := p.X - q.X
	dy := p.Y - q.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Finite reports whether both coordinates are finite numbers.
func (p Position) Finite() bool {
	return !math.IsNaN(p.X) && !math.IsInf(p.X, 0) &&
		!math.IsNaN(p.Y) && !math.IsInf(p.Y, 0)
}

// Velocity is an observed velocity: speed in m/s plus heading in degrees.
type Velocity struct {
	SpeedMps   float64 `json:"speed_mps"`
	HeadingDeg float64 `json:"heading_deg"`
}

// TrackUpdate is one normalized single-entity observation emitted by a parser.
// Timestamp is event time (for replay, the originally recorded time), and is
// monotonically non-decreasing within one source's sequence; parsers enforce
// that before the update reaches the Combiner.
type TrackUpdate struct {
	TrackID   string    `json:"track_id"`
	Source    Source    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Position  Position  `json:"position"`

	// Optional fields; nil / zero when the source did not report them.
	Velocity    *Velocity `json:"velocity,omitempty"`
	ExtentM     float64   `json:"extent_m,omitempty"`     // reported width
	Uncertainty float64   `json:"uncertainty,omitempty"`  // 1-sigma positional, metres
	Attributes  map[string]string `json:"attributes,omitempty"` // source-specific passthrough
}

// clone returns a deep copy so snapshots never alias Combiner state.
func (u *TrackUpdate) clone() *TrackUpdate {
	if u == nil {
		return nil
	}
	out := *u
	if u.Velocity != nil {
		v := *u.Velocity
		out.Velocity = &v
	}
	if u.Attributes != nil {
		out.Attributes = make(map[string]string, len(u.Attributes))
		for k, v := range u.Attributes {
			out.Attributes[k] = v
		}
	}
	return &out
}

// Provenance records which sources contributed to a fused position.
type Provenance string

const (
	ProvenanceDSRC  Provenance = "dsrc"
	ProvenanceRadar Provenance = "radar"
	ProvenanceFused Provenance = "fused"
)

// EntityTrack is the Combiner-owned fused record for one physical entity. It
// may carry data from one or both sources; one source updating never drops the
// other source's last contribution.
type EntityTrack struct {
	EntityID       int64        `json:"entity_id"`
	LastDSRC       *TrackUpdate `json:"last_dsrc,omitempty"`
	LastRadar      *TrackUpdate `json:"last_radar,omitempty"`
	FusedPosition  Position     `json:"fused_position"`
	Provenance     Provenance   `json:"provenance"`
	LastUpdatedAt  time.Time    `json:"last_updated_at"`
	StalenessCount int          `json:"staleness_count"`
}

func (e *EntityTrack) snapshot() EntityTrack {
	out := *e
	out.LastDSRC = e.LastDSRC.clone()
	out.LastRadar = e.LastRadar.clone()
	return out
}

// SceneModel is the immutable snapshot handed downstream once per merge cycle.
// Entities are ordered by ascending EntityID so consumer iteration is
// deterministic.
type SceneModel struct {
	GeneratedAt time.Time     `json:"generated_at"`
	Entities    []EntityTrack `json:"entities"`
}
