// Package scenedb persists published scene snapshots and pipeline counters
// to SQLite so runs can be replayed through SQL after the fact.
package scenedb

import (
	"compress/gzip"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/fusion.report/internal/fusion"
	"github.com/banshee-data/fusion.report/internal/monitoring"
)

type DB struct {
	*sql.DB
}

// Open opens (creating if needed) the scene database and brings its schema to
// the latest embedded migration version.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	db := &DB{sqlDB}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return db, nil
}

// RecordScene appends one published snapshot. The full snapshot is stored as
// JSON alongside the columns the analysis queries group on.
func (db *DB) RecordScene(scene *fusion.SceneModel) error {
	body, err := json.Marshal(scene)
	if err != nil {
		return fmt.Errorf("failed to encode scene: %w", err)
	}
	_, err = db.Exec(
		"INSERT INTO scenes (generated_at_us, entity_count, scene_json) VALUES (?, ?, ?)",
		scene.GeneratedAt.UnixMicro(), len(scene.Entities), string(body),
	)
	return err
}

// Accept lets the DB be registered directly as a scene consumer. Failed
// writes are logged, not propagated; persistence must never stall the
// pipeline.
func (db *DB) Accept(scene *fusion.SceneModel) {
	if err := db.RecordScene(scene); err != nil {
		monitoring.Logf("scenedb: failed to record scene: %v", err)
	}
}

// SceneRecord is one persisted snapshot row.
type SceneRecord struct {
	SceneID     int64
	GeneratedAt time.Time
	EntityCount int64
	Scene       fusion.SceneModel
}

// Scenes returns the most recent snapshots, newest first.
func (db *DB) Scenes(limit int) ([]SceneRecord, error) {
	rows, err := db.Query(
		"SELECT scene_id, generated_at_us, entity_count, scene_json FROM scenes ORDER BY scene_id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SceneRecord
	for rows.Next() {
		var rec SceneRecord
		var micros int64
		var body string
		if err := rows.Scan(&rec.SceneID, &micros, &rec.EntityCount, &body); err != nil {
			return nil, err
		}
		rec.GeneratedAt = time.UnixMicro(micros).UTC()
		if err := json.Unmarshal([]byte(body), &rec.Scene); err != nil {
			return nil, fmt.Errorf("failed to decode scene %d: %w", rec.SceneID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// RecordCounters writes one sample of every named counter.
func (db *DB) RecordCounters(snapshot map[string]int64) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	for name, value := range snapshot {
		if _, err := tx.Exec("INSERT INTO counters (name, value) VALUES (?, ?)", name, value); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// LatestCounters returns the most recent recorded value per counter name.
func (db *DB) LatestCounters() (map[string]int64, error) {
	rows, err := db.Query(`
		SELECT name, value FROM counters
		WHERE rowid IN (SELECT MAX(rowid) FROM counters GROUP BY name)
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	latest := make(map[string]int64)
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		latest[name] = value
	}
	return latest, rows.Err()
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		monitoring.Logf("failed to create tailsql server: %v", err)
		return
	}
	tsql.SetDB("sqlite://scenes.db", db.DB, &tailsql.DBOptions{
		Label: "Scene DB",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unixTime := time.Now().Unix()
		backupPath := fmt.Sprintf("backup-%d.db", unixTime)
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}

		// close the backup file after sending it
		// and remove it from the filesystem
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				monitoring.Logf("failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}
