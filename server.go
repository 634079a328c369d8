package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/banshee-data/fusion.report/internal/collision"
	"github.com/banshee-data/fusion.report/internal/fusion"
	"github.com/banshee-data/fusion.report/internal/monitoring"
	"github.com/banshee-data/fusion.report/internal/scenedb"
)

type Server struct {
	combiner  *fusion.Combiner
	predictor *collision.Predictor
	db        *scenedb.DB
}

func NewServer(combiner *fusion.Combiner, predictor *collision.Predictor, db *scenedb.DB) *Server {
	return &Server{
		combiner:  combiner,
		predictor: predictor,
		db:        db,
	}
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/scene", s.currentScene)
	mux.HandleFunc("/scenes", s.listScenes)
	mux.HandleFunc("/stats", s.stats)
	mux.HandleFunc("/scene-stream", s.sceneStream)
	return mux
}

// counterSample merges the combiner's stats with the package counters into
// one flat sample for persistence.
func counterSample(c *fusion.Combiner) map[string]int64 {
	sample := monitoring.Snapshot()
	stats := c.Stats()
	sample["accepted_updates"] = stats.AcceptedUpdates
	sample["degraded_updates"] = stats.DegradedUpdates
	sample["dropped_updates"] = stats.DroppedUpdates
	sample["evicted_entities"] = stats.EvictedEntities
	sample["published_scenes"] = stats.PublishedScenes
	sample["dropped_snapshots"] = stats.DroppedSnapshots
	return sample
}

func (s *Server) currentScene(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	scene := s.predictor.CurrentScene()
	if scene == nil {
		http.Error(w, "No scene published yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(scene)
}

func (s *Server) listScenes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records, err := s.db.Scenes(limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to retrieve scenes: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(records)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(counterSample(s.combiner))
}

// sceneStream tails published scenes as server-sent events. The stream rides
// the combiner's normal consumer path, so a slow client drops snapshots
// instead of stalling the pipeline.
func (s *Server) sceneStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	scenes := make(chan *fusion.SceneModel, 1)
	id := s.combiner.RegisterConsumer(fusion.ConsumerFunc(func(scene *fusion.SceneModel) {
		select {
		case scenes <- scene:
		default:
		}
	}))
	defer s.combiner.UnregisterConsumer(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case scene := <-scenes:
			body, err := json.Marshal(scene)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", body)
			flusher.Flush()
		}
	}
}
