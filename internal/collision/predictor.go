// Package collision consumes published scene snapshots on behalf of the
// collision-avoidance collaborator. It holds the most recent scene and runs a
// proximity screen over it; the full prediction model lives downstream and is
// out of scope here.
package collision

import (
	"sync"

	"github.com/banshee-data/fusion.report/internal/fusion"
	"github.com/banshee-data/fusion.report/internal/monitoring"
)

var (
	scenesAnalyzed = monitoring.NewCounter("collision_scenes_analyzed")
	closePairs     = monitoring.NewCounter("collision_close_pairs")
)

// Predictor is a scene consumer that keeps the latest snapshot and screens it
// for entity pairs within a warning radius. It satisfies the combiner's
// Consumer contract: Accept is cheap, the snapshot is immutable and shared.
type Predictor struct {
	warnDistanceM float64

	mu      sync.Mutex
	current *fusion.SceneModel
}

// NewPredictor builds a predictor that flags entity pairs closer than
// warnDistanceM metres.
func NewPredictor(warnDistanceM float64) *Predictor {
	return &Predictor{warnDistanceM: warnDistanceM}
}

// Accept stores the snapshot as the current state and analyzes it.
func (p *Predictor) Accept(scene *fusion.SceneModel) {
	p.mu.Lock()
	p.current = scene
	p.mu.Unlock()

	p.analyze(scene)
}

// CurrentScene returns the most recently accepted snapshot, or nil before the
// first publication.
func (p *Predictor) CurrentScene() *fusion.SceneModel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// analyze runs the proximity screen. Entities are few (tens, not thousands)
// so the pairwise pass is fine.
func (p *Predictor) analyze(scene *fusion.SceneModel) {
	scenesAnalyzed.Inc()
	for _, pair := range p.ClosePairs(scene) {
		closePairs.Inc()
		monitoring.Logf("collision: entities %d and %d within %.2fm (%.2fm apart)",
			pair.A.EntityID, pair.B.EntityID, p.warnDistanceM, pair.DistanceM)
	}
}

// Pair is two entities currently inside the warning radius.
type Pair struct {
	A, B      fusion.EntityTrack
	DistanceM float64
}

// ClosePairs returns every entity pair in the scene separated by less than
// the warning distance. Pairs keep the scene's entity ordering, A before B.
func (p *Predictor) ClosePairs(scene *fusion.SceneModel) []Pair {
	if scene == nil {
		return nil
	}
	var pairs []Pair
	for i := 0; i < len(scene.Entities); i++ {
		for j := i + 1; j < len(scene.Entities); j++ {
			a, b := scene.Entities[i], scene.Entities[j]
			d := a.FusedPosition.DistanceTo(b.FusedPosition)
			if d < p.warnDistanceM {
				pairs = append(pairs, Pair{A: a, B: b, DistanceM: d})
			}
		}
	}
	return pairs
}
