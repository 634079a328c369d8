// Package dsrc decodes DSRC basic-safety-message payloads into normalized
// track updates, either live from a UDP socket or replayed from a pcap
// capture at original timing.
package dsrc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/banshee-data/fusion.report/internal/fusion"
	"github.com/banshee-data/fusion.report/internal/monitoring"
)

var decodeErrors = monitoring.NewCounter("dsrc_decode_errors")

// record is the vendor JSON layout of one logged DSRC message. The radio's UDP
// logger emits one JSON object per datagram.
type record struct {
	ID         string   `json:"id"`
	TimeMicros int64    `json:"time_us"`
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	SpeedMps   *float64 `json:"speed_mps,omitempty"`
	HeadingDeg *float64 `json:"heading_deg,omitempty"`
	WidthM     *float64 `json:"width_m,omitempty"`
	AccuracyM  *float64 `json:"accuracy_m,omitempty"`
}

// knownKeys are record fields lifted into TrackUpdate proper; anything else in
// the payload is preserved in the attribute bag for passthrough.
var knownKeys = map[string]bool{
	"id": true, "time_us": true, "x": true, "y": true,
	"speed_mps": true, "heading_deg": true, "width_m": true, "accuracy_m": true,
}

// decodeFrame decodes one raw DSRC payload into a TrackUpdate. The returned
// timestamp is the message's event time, not the frame's capture time.
func decodeFrame(frame fusion.RawFrame) (fusion.TrackUpdate, error) {
	var rec record
	if err := json.Unmarshal(frame.Payload, &rec); err != nil {
		return fusion.TrackUpdate{}, fmt.Errorf("malformed dsrc record: %w", err)
	}
	if rec.ID == "" {
		return fusion.TrackUpdate{}, fmt.Errorf("dsrc record missing id")
	}
	if rec.TimeMicros <= 0 {
		return fusion.TrackUpdate{}, fmt.Errorf("dsrc record %q missing event time", rec.ID)
	}

	update := fusion.TrackUpdate{
		TrackID:   rec.ID,
		Source:    fusion.SourceDSRC,
		Timestamp: time.Unix(0, rec.TimeMicros*int64(time.Microsecond)).UTC(),
		Position:  fusion.Position{X: rec.X, Y: rec.Y},
	}
	if rec.SpeedMps != nil && rec.HeadingDeg != nil {
		update.Velocity = &fusion.Velocity{SpeedMps: *rec.SpeedMps, HeadingDeg: *rec.HeadingDeg}
	}
	if rec.WidthM != nil {
		update.ExtentM = *rec.WidthM
	}
	if rec.AccuracyM != nil {
		update.Uncertainty = *rec.AccuracyM
	}
	update.Attributes = extraAttributes(frame.Payload)
	return update, nil
}

// extraAttributes collects vendor fields not lifted into TrackUpdate.
func extraAttributes(payload []byte) map[string]string {
	var all map[string]interface{}
	if err := json.Unmarshal(payload, &all); err != nil {
		return nil
	}
	var attrs map[string]string
	for k, v := range all {
		if knownKeys[k] {
			continue
		}
		if attrs == nil {
			attrs = make(map[string]string)
		}
		switch val := v.(type) {
		case string:
			attrs[k] = val
		case float64:
			attrs[k] = strconv.FormatFloat(val, 'g', -1, 64)
		case bool:
			attrs[k] = strconv.FormatBool(val)
		default:
			raw, _ := json.Marshal(v)
			attrs[k] = string(raw)
		}
	}
	return attrs
}
