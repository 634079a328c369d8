package dsrc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/fusion.report/internal/fusion"
)

func writeCapture(t *testing.T, frames []fusion.RawFrame) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dsrc.pcap")
	rec, err := NewRecorder(path)
	if err != nil {
		t.Fatalf("failed to create recorder: %v", err)
	}
	for _, frame := range frames {
		if err := rec.Record(frame); err != nil {
			t.Fatalf("failed to record frame: %v", err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("failed to close recorder: %v", err)
	}
	return path
}

func dsrcFrame(id string, eventMicros int64, captured time.Time, x, y float64) fusion.RawFrame {
	payload := fmt.Sprintf(`{"id":%q,"time_us":%d,"x":%g,"y":%g}`, id, eventMicros, x, y)
	return fusion.RawFrame{
		Source:     fusion.SourceDSRC,
		Payload:    []byte(payload),
		CapturedAt: captured,
	}
}

func TestReplayRoundTrip(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	frames := []fusion.RawFrame{
		dsrcFrame("A1", 1_000_000, base, 10, 5),
		dsrcFrame("A2", 1_050_000, base.Add(2*time.Millisecond), 20, 6),
		dsrcFrame("A1", 1_100_000, base.Add(4*time.Millisecond), 10.5, 5.1),
	}
	path := writeCapture(t, frames)

	parser, err := OpenReplay(path, 1.0, nil)
	if err != nil {
		t.Fatalf("failed to open replay: %v", err)
	}
	defer parser.Close()

	ctx := context.Background()
	var got []fusion.TrackUpdate
	for {
		update, err := parser.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("unexpected replay error: %v", err)
		}
		got = append(got, update)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 replayed updates, got %d", len(got))
	}
	wantIDs := []string{"A1", "A2", "A1"}
	for i, want := range wantIDs {
		if got[i].TrackID != want {
			t.Errorf("update %d: expected track %q, got %q", i, want, got[i].TrackID)
		}
	}
	// Event times come from the records, not capture times.
	if want := time.Unix(1, 0).UTC(); !got[0].Timestamp.Equal(want) {
		t.Errorf("expected event time %v, got %v", want, got[0].Timestamp)
	}

	// Exhausted log keeps returning EndOfStream.
	if _, err := parser.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after exhaustion, got %v", err)
	}
}

func TestReplaySkipsMalformedRecords(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	frames := []fusion.RawFrame{
		dsrcFrame("A1", 1_000_000, base, 10, 5),
		{Source: fusion.SourceDSRC, Payload: []byte("not json"), CapturedAt: base.Add(time.Millisecond)},
		dsrcFrame("A2", 1_100_000, base.Add(2*time.Millisecond), 20, 6),
	}
	path := writeCapture(t, frames)

	parser, err := OpenReplay(path, 1.0, nil)
	if err != nil {
		t.Fatalf("failed to open replay: %v", err)
	}
	defer parser.Close()

	first, err := parser.Next(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := parser.Next(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.TrackID != "A1" || second.TrackID != "A2" {
		t.Errorf("malformed record should be skipped, got %q then %q", first.TrackID, second.TrackID)
	}
}

func TestReplayClampsOutOfOrderEventTimes(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	frames := []fusion.RawFrame{
		dsrcFrame("A1", 2_000_000, base, 10, 5),
		// Recorded event time goes backwards; the observation is kept but
		// its timestamp is clamped forward.
		dsrcFrame("A1", 1_000_000, base.Add(time.Millisecond), 10.2, 5.1),
	}
	path := writeCapture(t, frames)

	parser, err := OpenReplay(path, 1.0, nil)
	if err != nil {
		t.Fatalf("failed to open replay: %v", err)
	}
	defer parser.Close()

	first, err := parser.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	second, err := parser.Next(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !second.Timestamp.After(first.Timestamp) {
		t.Errorf("expected clamped timestamp after %v, got %v", first.Timestamp, second.Timestamp)
	}
}

func TestReplayPacingRespectsRecordedGaps(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	gap := 60 * time.Millisecond
	frames := []fusion.RawFrame{
		dsrcFrame("A1", 1_000_000, base, 10, 5),
		dsrcFrame("A1", 1_050_000, base.Add(gap), 10.5, 5.1),
	}
	path := writeCapture(t, frames)

	parser, err := OpenReplay(path, 1.0, nil)
	if err != nil {
		t.Fatalf("failed to open replay: %v", err)
	}
	defer parser.Close()

	start := time.Now()
	if _, err := parser.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, err := parser.Next(context.Background()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed < gap/2 {
		t.Errorf("replay released second record too early: %v elapsed for %v recorded gap", elapsed, gap)
	}

	// At high speed the same gap collapses.
	fast, err := OpenReplay(path, 100.0, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer fast.Close()
	start = time.Now()
	for i := 0; i < 2; i++ {
		if _, err := fast.Next(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed > gap {
		t.Errorf("fast replay should not wait the full recorded gap, took %v", elapsed)
	}
}

func TestReplayCancellation(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	frames := []fusion.RawFrame{
		dsrcFrame("A1", 1_000_000, base, 10, 5),
		// Long recorded gap the cancelled replay must not wait out.
		dsrcFrame("A1", 1_050_000, base.Add(time.Hour), 10.5, 5.1),
	}
	path := writeCapture(t, frames)

	parser, err := OpenReplay(path, 1.0, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer parser.Close()

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := parser.Next(ctx); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := parser.Next(ctx)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled replay Next did not return promptly")
	}
}

func TestOpenReplayMissingFileIsFatal(t *testing.T) {
	if _, err := OpenReplay(filepath.Join(t.TempDir(), "absent.pcap"), 1.0, nil); err == nil {
		t.Error("expected error for missing replay log")
	}
}
