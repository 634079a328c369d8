package fusion

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/fusion.report/internal/monitoring"
	"github.com/banshee-data/fusion.report/internal/timeutil"
)

// PublishPolicy selects when merged scenes are handed to consumers.
type PublishPolicy string

const (
	// PublishPerUpdate publishes a fresh snapshot after every accepted update.
	PublishPerUpdate PublishPolicy = "per-update"
	// PublishCoalesced publishes at most once per interval, always reflecting
	// the latest state, so a slow consumer is not flooded.
	PublishCoalesced PublishPolicy = "coalesced"
)

// CombinerConfig holds the tuning parameters for cross-source association,
// staleness eviction and snapshot publication.
type CombinerConfig struct {
	AssociationDistanceM float64       // spatial gate for cross-source identity linking, metres
	AssociationWindow    time.Duration // temporal gate for cross-source identity linking
	StalenessTimeout     time.Duration // entity eviction timeout, in scene time
	PublishPolicy        PublishPolicy
	CoalesceInterval     time.Duration // only used with PublishCoalesced
	QueueDepth           int           // per-consumer handoff queue depth
	DSRCWeight           float64       // DSRC share of the fused position when uncertainty is unreported
}

// DefaultCombinerConfig returns the default combiner configuration.
func DefaultCombinerConfig() CombinerConfig {
	return CombinerConfig{
		AssociationDistanceM: 2.0,
		AssociationWindow:    250 * time.Millisecond,
		StalenessTimeout:     2 * time.Second,
		PublishPolicy:        PublishPerUpdate,
		CoalesceInterval:     100 * time.Millisecond,
		QueueDepth:           8,
		DSRCWeight:           0.7,
	}
}

// Consumer receives published scene snapshots. Accept must return quickly; any
// heavy analysis belongs on the consumer's own goroutine.
type Consumer interface {
	Accept(scene *SceneModel)
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(scene *SceneModel)

// Accept calls f.
func (f ConsumerFunc) Accept(scene *SceneModel) { f(scene) }

// Stats is a point-in-time view of the combiner's observability counters.
type Stats struct {
	AcceptedUpdates  int64 `json:"accepted_updates"`
	DegradedUpdates  int64 `json:"degraded_updates"`
	DroppedUpdates   int64 `json:"dropped_updates"`
	EvictedEntities  int64 `json:"evicted_entities"`
	PublishedScenes  int64 `json:"published_scenes"`
	DroppedSnapshots int64 `json:"dropped_snapshots"`
}

type subscriber struct {
	consumer Consumer
	queue    chan *SceneModel
	done     chan struct{}
}

func (s *subscriber) run() {
	defer close(s.done)
	for scene := range s.queue {
		s.consumer.Accept(scene)
	}
}

// Combiner is the fusion core. It accepts TrackUpdates concurrently from both
// dispatchers, maintains the multi-source scene state behind one mutex, and
// publishes immutable SceneModel snapshots to registered consumers through
// bounded handoff queues.
type Combiner struct {
	cfg   CombinerConfig
	clock timeutil.Clock

	mu           sync.Mutex
	entities     map[int64]*EntityTrack
	assoc        map[Source]map[string]int64 // source-local track id -> entity id
	nextEntityID int64
	sceneTime    time.Time // max event time observed across sources
	sourceDown   map[Source]bool
	dirty        bool // coalesced mode: state changed since last publish

	subMu sync.Mutex
	subs  map[string]*subscriber

	accepted  atomic.Int64
	degraded  atomic.Int64
	dropped   atomic.Int64
	evicted   atomic.Int64
	published atomic.Int64
	qdropped  atomic.Int64
}

var degradedCounter = monitoring.NewCounter("fusion_degraded_updates")

// NewCombiner creates a Combiner with the given configuration. A nil clock
// defaults to the real clock.
func NewCombiner(cfg CombinerConfig, clock timeutil.Clock) *Combiner {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = DefaultCombinerConfig().QueueDepth
	}
	return &Combiner{
		cfg:          cfg,
		clock:        clock,
		entities:     make(map[int64]*EntityTrack),
		assoc:        map[Source]map[string]int64{SourceDSRC: {}, SourceRadar: {}},
		nextEntityID: 1,
		sourceDown:   make(map[Source]bool),
		subs:         make(map[string]*subscriber),
	}
}

// RegisterConsumer adds a snapshot receiver behind a bounded queue and returns
// an id usable with UnregisterConsumer. When the queue is full the oldest
// pending snapshot is dropped: a later snapshot fully supersedes an earlier
// one, so only latency is lost.
func (c *Combiner) RegisterConsumer(consumer Consumer) string {
	id := uuid.NewString()
	sub := &subscriber{
		consumer: consumer,
		queue:    make(chan *SceneModel, c.cfg.QueueDepth),
		done:     make(chan struct{}),
	}
	go sub.run()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs[id] = sub
	return id
}

// UnregisterConsumer removes a consumer, closes its queue and waits for its
// delivery goroutine to drain.
func (c *Combiner) UnregisterConsumer(id string) {
	c.subMu.Lock()
	sub, ok := c.subs[id]
	if ok {
		delete(c.subs, id)
	}
	c.subMu.Unlock()
	if ok {
		close(sub.queue)
		<-sub.done
	}
}

// Close unregisters all consumers.
func (c *Combiner) Close() {
	c.subMu.Lock()
	subs := c.subs
	c.subs = make(map[string]*subscriber)
	c.subMu.Unlock()
	for _, sub := range subs {
		close(sub.queue)
		<-sub.done
	}
}

// Run drives coalesced publication until ctx is cancelled. With the per-update
// policy it only blocks on ctx so both policies wire identically in main.
func (c *Combiner) Run(ctx context.Context) error {
	if c.cfg.PublishPolicy != PublishCoalesced {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := c.clock.NewTicker(c.cfg.CoalesceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			c.publishPending()
		}
	}
}

// publishPending publishes a snapshot if state changed since the last publish.
func (c *Combiner) publishPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dirty {
		return
	}
	c.dirty = false
	c.broadcast(c.snapshotLocked())
}

// Accept merges one observation into the scene. It is safe to call
// concurrently from both dispatcher goroutines; all state mutation is
// serialized behind the combiner mutex.
func (c *Combiner) Accept(update TrackUpdate) {
	u, ok := c.sanitize(update)
	if !ok {
		c.dropped.Add(1)
		return
	}
	c.accepted.Add(1)

	c.mu.Lock()
	if u.Timestamp.After(c.sceneTime) {
		c.sceneTime = u.Timestamp
	}

	entityID := c.associateLocked(u)
	c.applyLocked(c.entities[entityID], u)
	c.sweepLocked()

	if c.cfg.PublishPolicy == PublishCoalesced {
		c.dirty = true
		c.mu.Unlock()
		return
	}

	// Enqueue before releasing the state lock: a concurrent Accept that merges
	// a later update must not get its snapshot onto the queues first.
	c.broadcast(c.snapshotLocked())
	c.mu.Unlock()
}

// SourceClosed marks a source's contribution as complete (replay log
// exhausted). Fusion continues with whatever the other source delivers.
func (c *Combiner) SourceClosed(source Source) {
	c.mu.Lock()
	c.sourceDown[source] = true
	c.mu.Unlock()
	monitoring.Logf("combiner: source %s closed", source)
}

// SourceFailed marks a source permanently stale after a channel failure. The
// remaining source keeps the pipeline alive; previously fused contributions
// stay until staleness eviction removes them.
func (c *Combiner) SourceFailed(source Source, reason error) {
	c.mu.Lock()
	c.sourceDown[source] = true
	c.mu.Unlock()
	monitoring.Logf("combiner: source %s failed: %v", source, reason)
}

// SourceDown reports whether the given source has closed or failed.
func (c *Combiner) SourceDown(source Source) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sourceDown[source]
}

// Stats returns the current observability counters.
func (c *Combiner) Stats() Stats {
	return Stats{
		AcceptedUpdates:  c.accepted.Load(),
		DegradedUpdates:  c.degraded.Load(),
		DroppedUpdates:   c.dropped.Load(),
		EvictedEntities:  c.evicted.Load(),
		PublishedScenes:  c.published.Load(),
		DroppedSnapshots: c.qdropped.Load(),
	}
}

// EntityCount returns the number of live entities.
func (c *Combiner) EntityCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entities)
}

// sanitize degrades an unexpected update to position-only rather than letting
// it abort the merge cycle. An update without a usable position or identity is
// dropped entirely.
func (c *Combiner) sanitize(u TrackUpdate) (TrackUpdate, bool) {
	if u.TrackID == "" || !u.Source.Valid() || u.Timestamp.IsZero() || !u.Position.Finite() {
		return u, false
	}

	degradedField := false
	if u.ExtentM < 0 || u.ExtentM != u.ExtentM { // negative or NaN
		u.ExtentM = 0
		degradedField = true
	}
	if u.Uncertainty < 0 || u.Uncertainty != u.Uncertainty {
		u.Uncertainty = 0
		degradedField = true
	}
	if u.Velocity != nil {
		if u.Velocity.SpeedMps != u.Velocity.SpeedMps || u.Velocity.HeadingDeg != u.Velocity.HeadingDeg {
			u.Velocity = nil
			degradedField = true
		}
	}
	if degradedField {
		u.ExtentM = 0
		u.Velocity = nil
		c.degraded.Add(1)
		degradedCounter.Inc()
	}
	return u, true
}

// associateLocked resolves the update's (source, track id) to an entity id,
// attempting cross-source association before allocating a fresh entity.
func (c *Combiner) associateLocked(u TrackUpdate) int64 {
	if id, ok := c.assoc[u.Source][u.TrackID]; ok {
		return id
	}

	// Cross-source association: the nearest entity seen only by the other
	// source, within the spatial and temporal gates. Ambiguity resolves to the
	// nearer candidate, then the smaller entity id.
	bestID := int64(-1)
	bestDist := c.cfg.AssociationDistanceM
	for id, e := range c.entities {
		var other *TrackUpdate
		var own *TrackUpdate
		if u.Source == SourceDSRC {
			other, own = e.LastRadar, e.LastDSRC
		} else {
			other, own = e.LastDSRC, e.LastRadar
		}
		if other == nil || own != nil {
			continue
		}
		gap := u.Timestamp.Sub(other.Timestamp)
		if gap < 0 {
			gap = -gap
		}
		if gap > c.cfg.AssociationWindow {
			continue
		}
		d := u.Position.DistanceTo(other.Position)
		if d > bestDist {
			continue
		}
		if bestID == -1 || d < bestDist || (d == bestDist && id < bestID) {
			bestID = id
			bestDist = d
		}
	}
	if bestID != -1 {
		c.assoc[u.Source][u.TrackID] = bestID
		return bestID
	}

	id := c.nextEntityID
	c.nextEntityID++
	c.entities[id] = &EntityTrack{EntityID: id}
	c.assoc[u.Source][u.TrackID] = id
	return id
}

func (c *Combiner) applyLocked(e *EntityTrack, u TrackUpdate) {
	switch u.Source {
	case SourceDSRC:
		e.LastDSRC = &u
	case SourceRadar:
		e.LastRadar = &u
	}
	if u.Timestamp.After(e.LastUpdatedAt) {
		e.LastUpdatedAt = u.Timestamp
	}
	e.StalenessCount = 0
	c.fuseLocked(e)
}

// fuseLocked recomputes the entity's fused position from whatever source
// contributions it holds.
func (c *Combiner) fuseLocked(e *EntityTrack) {
	d, r := e.LastDSRC, e.LastRadar

	switch {
	case d != nil && r != nil:
		var wd, wr float64
		if d.Uncertainty > 0 && r.Uncertainty > 0 {
			// Inverse-variance weighting favours the source with the smaller
			// reported positional uncertainty.
			wd = 1 / (d.Uncertainty * d.Uncertainty)
			wr = 1 / (r.Uncertainty * r.Uncertainty)
		} else {
			wd = c.cfg.DSRCWeight
			wr = 1 - c.cfg.DSRCWeight
		}
		weights := []float64{wd, wr}
		e.FusedPosition = Position{
			X: stat.Mean([]float64{d.Position.X, r.Position.X}, weights),
			Y: stat.Mean([]float64{d.Position.Y, r.Position.Y}, weights),
		}
		e.Provenance = ProvenanceFused
	case d != nil:
		e.FusedPosition = d.Position
		e.Provenance = ProvenanceDSRC
	case r != nil:
		e.FusedPosition = r.Position
		e.Provenance = ProvenanceRadar
	}
}

// sweepLocked evicts entities with no update from either source past the
// staleness timeout, and drops the stale half of a fused entity whose other
// half is still fresh. Eviction runs on scene time so replay stays
// deterministic.
func (c *Combiner) sweepLocked() {
	if c.cfg.StalenessTimeout <= 0 {
		return
	}
	cutoff := c.sceneTime.Add(-c.cfg.StalenessTimeout)

	for id, e := range c.entities {
		if e.LastUpdatedAt.Before(cutoff) {
			c.evictLocked(id, e)
			continue
		}
		if e.LastUpdatedAt.Before(c.sceneTime) {
			e.StalenessCount++
		}

		// Independently expire one source's stale half while the other keeps
		// the entity alive.
		if e.LastDSRC != nil && e.LastRadar != nil {
			if e.LastDSRC.Timestamp.Before(cutoff) {
				c.unlinkLocked(SourceDSRC, e.LastDSRC.TrackID, id)
				e.LastDSRC = nil
				c.fuseLocked(e)
			} else if e.LastRadar.Timestamp.Before(cutoff) {
				c.unlinkLocked(SourceRadar, e.LastRadar.TrackID, id)
				e.LastRadar = nil
				c.fuseLocked(e)
			}
		}
	}
}

func (c *Combiner) evictLocked(id int64, e *EntityTrack) {
	if e.LastDSRC != nil {
		c.unlinkLocked(SourceDSRC, e.LastDSRC.TrackID, id)
	}
	if e.LastRadar != nil {
		c.unlinkLocked(SourceRadar, e.LastRadar.TrackID, id)
	}
	delete(c.entities, id)
	c.evicted.Add(1)
}

func (c *Combiner) unlinkLocked(source Source, trackID string, entityID int64) {
	if c.assoc[source][trackID] == entityID {
		delete(c.assoc[source], trackID)
	}
}

// snapshotLocked builds a fresh immutable SceneModel, entities sorted by
// ascending entity id.
func (c *Combiner) snapshotLocked() *SceneModel {
	ids := make([]int64, 0, len(c.entities))
	for id := range c.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	scene := &SceneModel{
		GeneratedAt: c.sceneTime,
		Entities:    make([]EntityTrack, 0, len(ids)),
	}
	for _, id := range ids {
		scene.Entities = append(scene.Entities, c.entities[id].snapshot())
	}
	return scene
}

// broadcast enqueues the scene to every consumer without waiting for any of
// them to drain. A full queue sheds its oldest snapshot first. Callers hold
// the state mutex, so every queue sees snapshots in merge order.
func (c *Combiner) broadcast(scene *SceneModel) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.published.Add(1)
	for _, sub := range c.subs {
		for {
			select {
			case sub.queue <- scene:
			default:
				select {
				case <-sub.queue:
					c.qdropped.Add(1)
				default:
				}
				continue
			}
			break
		}
	}
}
