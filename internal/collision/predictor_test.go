package collision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fusion.report/internal/fusion"
)

func scene(entities ...fusion.EntityTrack) *fusion.SceneModel {
	return &fusion.SceneModel{
		GeneratedAt: time.Unix(1000, 0).UTC(),
		Entities:    entities,
	}
}

func entity(id int64, x, y float64) fusion.EntityTrack {
	return fusion.EntityTrack{
		EntityID:      id,
		FusedPosition: fusion.Position{X: x, Y: y},
	}
}

// TestAcceptStoresCurrentScene tests that the predictor tracks the latest
// snapshot handed to it.
func TestAcceptStoresCurrentScene(t *testing.T) {
	t.Parallel()

	p := NewPredictor(5)
	assert.Nil(t, p.CurrentScene(), "no scene expected before first publication")

	first := scene(entity(1, 0, 0))
	second := scene(entity(1, 1, 1))
	p.Accept(first)
	p.Accept(second)

	assert.Same(t, second, p.CurrentScene())
}

// TestClosePairs tests the pairwise proximity screen.
func TestClosePairs(t *testing.T) {
	t.Parallel()

	t.Run("flags pairs inside the warning radius", func(t *testing.T) {
		t.Parallel()
		p := NewPredictor(5)
		s := scene(
			entity(1, 0, 0),
			entity(2, 3, 4),   // 5m from entity 1: on the boundary, excluded
			entity(3, 1, 1),   // ~1.41m from entity 1, ~3.6m from entity 2
			entity(4, 100, 0), // far from everything
		)

		pairs := p.ClosePairs(s)
		require.Len(t, pairs, 2)
		assert.Equal(t, int64(1), pairs[0].A.EntityID)
		assert.Equal(t, int64(3), pairs[0].B.EntityID)
		assert.Equal(t, int64(2), pairs[1].A.EntityID)
		assert.Equal(t, int64(3), pairs[1].B.EntityID)
		assert.Less(t, pairs[0].DistanceM, 5.0)
		assert.Less(t, pairs[1].DistanceM, 5.0)
	})

	t.Run("nil scene yields no pairs", func(t *testing.T) {
		t.Parallel()
		p := NewPredictor(5)
		assert.Empty(t, p.ClosePairs(nil))
	})

	t.Run("empty scene yields no pairs", func(t *testing.T) {
		t.Parallel()
		p := NewPredictor(5)
		assert.Empty(t, p.ClosePairs(scene()))
	})

	t.Run("single entity yields no pairs", func(t *testing.T) {
		t.Parallel()
		p := NewPredictor(5)
		assert.Empty(t, p.ClosePairs(scene(entity(1, 0, 0))))
	})
}

// TestAnalyzeOnAccept tests that accepting a scene runs the screen.
func TestAnalyzeOnAccept(t *testing.T) {
	p := NewPredictor(5)
	before := scenesAnalyzed.Value()
	p.Accept(scene(entity(1, 0, 0), entity(2, 1, 0)))
	assert.Equal(t, before+1, scenesAnalyzed.Value())
}
