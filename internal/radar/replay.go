package radar

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/fusion.report/internal/dispatch"
	"github.com/banshee-data/fusion.report/internal/fusion"
	"github.com/banshee-data/fusion.report/internal/monitoring"
	"github.com/banshee-data/fusion.report/internal/timeutil"
)

// The radar replay log is line-oriented: each line pairs a capture timestamp
// in unix microseconds with the raw adapter line, separated by a single space,
// oldest first.

// ReplayParser replays a recorded radar log, releasing each record only once
// the originally recorded inter-arrival time has elapsed. Next returns io.EOF
// when the log is exhausted.
type ReplayParser struct {
	file  *os.File
	scan  *bufio.Scanner
	clock timeutil.Clock
	speed float64
	seq   dispatch.Sequencer

	started      time.Time
	firstCapture time.Time
}

// OpenReplay opens a radar line log for replay. A missing file is a
// startup-fatal configuration error.
func OpenReplay(path string, speed float64, clock timeutil.Clock) (*ReplayParser, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if speed <= 0 {
		speed = 1.0
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open radar replay log: %w", err)
	}
	return &ReplayParser{
		file:  f,
		scan:  bufio.NewScanner(f),
		clock: clock,
		speed: speed,
	}, nil
}

// Source returns the radar source tag.
func (p *ReplayParser) Source() fusion.Source { return fusion.SourceRadar }

// Close closes the log file.
func (p *ReplayParser) Close() error { return p.file.Close() }

// Next returns the next recorded update after reproducing its original
// inter-arrival delay. Malformed lines are skipped.
func (p *ReplayParser) Next(ctx context.Context) (fusion.TrackUpdate, error) {
	for {
		if err := ctx.Err(); err != nil {
			return fusion.TrackUpdate{}, err
		}

		if !p.scan.Scan() {
			if err := p.scan.Err(); err != nil {
				return fusion.TrackUpdate{}, fmt.Errorf("radar replay read: %w", err)
			}
			return fusion.TrackUpdate{}, io.EOF
		}

		captured, payload, err := splitLogLine(p.scan.Text())
		if err != nil {
			decodeErrors.Inc()
			monitoring.Logf("radar: skipping recorded line: %v", err)
			continue
		}

		if err := p.pace(ctx, captured); err != nil {
			return fusion.TrackUpdate{}, err
		}

		update, err := parseLine(payload)
		if err != nil {
			decodeErrors.Inc()
			monitoring.Logf("radar: skipping recorded line: %v", err)
			continue
		}
		update.Timestamp, _ = p.seq.Clamp(update.Timestamp)
		return update, nil
	}
}

func (p *ReplayParser) pace(ctx context.Context, captureTime time.Time) error {
	if p.started.IsZero() {
		p.started = p.clock.Now()
		p.firstCapture = captureTime
		return nil
	}
	target := time.Duration(float64(captureTime.Sub(p.firstCapture)) / p.speed)
	elapsed := p.clock.Since(p.started)
	if wait := target - elapsed; wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(wait):
		}
	}
	return nil
}

func splitLogLine(line string) (time.Time, string, error) {
	ts, payload, found := strings.Cut(line, " ")
	if !found {
		return time.Time{}, "", fmt.Errorf("log line missing timestamp separator: %q", line)
	}
	micros, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("bad capture timestamp %q: %w", ts, err)
	}
	return time.Unix(0, micros*int64(time.Microsecond)).UTC(), payload, nil
}

// Recorder appends raw adapter lines with capture timestamps into a log that
// ReplayParser can play back.
type Recorder struct {
	file *os.File
	w    *bufio.Writer
}

// NewRecorder creates (truncating) a radar log at path.
func NewRecorder(path string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create radar log: %w", err)
	}
	return &Recorder{file: f, w: bufio.NewWriter(f)}, nil
}

// Record appends one raw line at its capture timestamp.
func (r *Recorder) Record(frame fusion.RawFrame) error {
	micros := frame.CapturedAt.UnixNano() / int64(time.Microsecond)
	if _, err := fmt.Fprintf(r.w, "%d %s\n", micros, frame.Payload); err != nil {
		return err
	}
	return nil
}

// Close flushes and closes the log.
func (r *Recorder) Close() error {
	if err := r.w.Flush(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}
