package radar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/banshee-data/fusion.report/internal/fusion"
	"github.com/banshee-data/fusion.report/internal/timeutil"
)

func writeRadarLog(t *testing.T, lines ...fusion.RawFrame) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "radar.log")
	rec, err := NewRecorder(path)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	for _, frame := range lines {
		if err := rec.Record(frame); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return path
}

func radarFrame(captureMicros int64, track int, eventMicros int64, rangeM float64) fusion.RawFrame {
	payload := fmt.Sprintf(`{"track":%d,"time_us":%d,"range_m":%g,"angle_deg":0}`,
		track, eventMicros, rangeM)
	return fusion.RawFrame{
		Source:     fusion.SourceRadar,
		Payload:    []byte(payload),
		CapturedAt: time.Unix(0, captureMicros*int64(time.Microsecond)).UTC(),
	}
}

func TestReplayRoundTrip(t *testing.T) {
	path := writeRadarLog(t,
		radarFrame(1_000_000, 7, 1_000_000, 10),
		radarFrame(1_001_000, 8, 1_001_000, 20),
	)

	parser, err := OpenReplay(path, 100, timeutil.RealClock{})
	if err != nil {
		t.Fatalf("OpenReplay: %v", err)
	}
	defer parser.Close()

	ctx := context.Background()
	first, err := parser.Next(ctx)
	if err != nil {
		t.Fatalf("first Next: %v", err)
	}
	second, err := parser.Next(ctx)
	if err != nil {
		t.Fatalf("second Next: %v", err)
	}
	if first.TrackID != "7" || second.TrackID != "8" {
		t.Errorf("expected tracks 7 then 8, got %q then %q", first.TrackID, second.TrackID)
	}
	if first.Position.X != 10 || second.Position.X != 20 {
		t.Errorf("positions not preserved through log: %v, %v", first.Position, second.Position)
	}

	if _, err := parser.Next(ctx); err != io.EOF {
		t.Errorf("expected io.EOF at log end, got %v", err)
	}
}

func TestReplaySkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "radar.log")
	content := "1000000 {\"track\":7,\"time_us\":1000000,\"range_m\":10,\"angle_deg\":0}\n" +
		"not-a-timestamp garbage\n" +
		"1001000 {broken json\n" +
		"1002000 {\"track\":8,\"time_us\":1002000,\"range_m\":20,\"angle_deg\":0}\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	parser, err := OpenReplay(path, 1000, timeutil.RealClock{})
	if err != nil {
		t.Fatalf("OpenReplay: %v", err)
	}
	defer parser.Close()

	ctx := context.Background()
	first, err := parser.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := parser.Next(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if first.TrackID != "7" || second.TrackID != "8" {
		t.Errorf("malformed lines not skipped: got %q then %q", first.TrackID, second.TrackID)
	}
}

func TestReplayPacing(t *testing.T) {
	// 60ms recorded gap at speed 1 must hold the second record back.
	path := writeRadarLog(t,
		radarFrame(1_000_000, 7, 1_000_000, 10),
		radarFrame(1_060_000, 7, 1_060_000, 11),
	)

	parser, err := OpenReplay(path, 1, timeutil.RealClock{})
	if err != nil {
		t.Fatalf("OpenReplay: %v", err)
	}
	defer parser.Close()

	ctx := context.Background()
	if _, err := parser.Next(ctx); err != nil {
		t.Fatal(err)
	}
	before := time.Now()
	if _, err := parser.Next(ctx); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(before); elapsed < 40*time.Millisecond {
		t.Errorf("second record released after %v, expected ~60ms pacing", elapsed)
	}
}

func TestReplaySpeedCollapsesGaps(t *testing.T) {
	path := writeRadarLog(t,
		radarFrame(1_000_000, 7, 1_000_000, 10),
		radarFrame(2_000_000, 7, 2_000_000, 11),
	)

	parser, err := OpenReplay(path, 100, timeutil.RealClock{})
	if err != nil {
		t.Fatalf("OpenReplay: %v", err)
	}
	defer parser.Close()

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 2; i++ {
		if _, err := parser.Next(ctx); err != nil {
			t.Fatal(err)
		}
	}
	// 1s recorded at 100x is 10ms of wall time.
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("speed factor not applied: replay took %v", elapsed)
	}
}

func TestReplayCancellationDuringPacing(t *testing.T) {
	// An hour-long recorded gap; cancellation must interrupt the wait.
	path := writeRadarLog(t,
		radarFrame(1_000_000, 7, 1_000_000, 10),
		radarFrame(3_601_000_000, 7, 3_601_000_000, 11),
	)

	parser, err := OpenReplay(path, 1, timeutil.RealClock{})
	if err != nil {
		t.Fatalf("OpenReplay: %v", err)
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

func TestOpenReplayMissingFile(t *testing.T) {
	if _, err := OpenReplay(filepath.Join(t.TempDir(), "absent.log"), 1, nil); err == nil {
		t.Fatal("expected error opening a missing replay log")
	}
}
