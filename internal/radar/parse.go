// Package radar decodes radar object tracks from the CAN adapter into
// normalized track updates, either live from the adapter's serial line
// protocol or replayed from a recorded line log at original timing.
package radar

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/banshee-data/fusion.report/internal/fusion"
	"github.com/banshee-data/fusion.report/internal/monitoring"
)

var decodeErrors = monitoring.NewCounter("radar_decode_errors")

// trackMessage is one radar object track as framed by the CAN adapter: a JSON
// line per track message, identified by the radar's local track number with
// range/angle/width attributes.
type trackMessage struct {
	Track        *int     `json:"track"`
	TimeMicros   int64    `json:"time_us"`
	RangeM       *float64 `json:"range_m"`
	AngleDeg     *float64 `json:"angle_deg"`
	WidthM       *float64 `json:"width_m,omitempty"`
	RangeRateMps *float64 `json:"range_rate_mps,omitempty"`
	Magnitude    *float64 `json:"magnitude,omitempty"`
}

// parseLine decodes one adapter line into a TrackUpdate. Range/bearing are
// projected into the vehicle frame (x forward, y left, angle positive left of
// boresight).
func parseLine(line string) (fusion.TrackUpdate, error) {
	var msg trackMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return fusion.TrackUpdate{}, fmt.Errorf("malformed radar line: %w", err)
	}
	if msg.Track == nil {
		return fusion.TrackUpdate{}, fmt.Errorf("radar line missing track number")
	}
	if msg.TimeMicros <= 0 {
		return fusion.TrackUpdate{}, fmt.Errorf("radar track %d missing event time", *msg.Track)
	}
	if msg.RangeM == nil || msg.AngleDeg == nil {
		return fusion.TrackUpdate{}, fmt.Errorf("radar track %d missing range/angle", *msg.Track)
	}

	trackNum := *msg.Track
	angleRad := *msg.AngleDeg * math.Pi / 180
	update := fusion.TrackUpdate{
		TrackID:   strconv.Itoa(trackNum),
		Source:    fusion.SourceRadar,
		Timestamp: time.Unix(0, msg.TimeMicros*int64(time.Microsecond)).UTC(),
		Position: fusion.Position{
			X: *msg.RangeM * math.Cos(angleRad),
			Y: *msg.RangeM * math.Sin(angleRad),
		},
		Attributes: map[string]string{
			"track_number": strconv.Itoa(trackNum),
			fmt.Sprintf("%d_track_range", trackNum): formatFloat(*msg.RangeM),
			fmt.Sprintf("%d_track_angle", trackNum): formatFloat(*msg.AngleDeg),
		},
	}
	if msg.WidthM != nil {
		update.ExtentM = *msg.WidthM
		update.Attributes[fmt.Sprintf("%d_track_width", trackNum)] = formatFloat(*msg.WidthM)
	}
	if msg.RangeRateMps != nil {
		update.Attributes["range_rate_mps"] = formatFloat(*msg.RangeRateMps)
	}
	if msg.Magnitude != nil {
		update.Attributes["magnitude"] = formatFloat(*msg.Magnitude)
	}
	return update, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
