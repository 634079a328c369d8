// Command gen-fusionlog generates a matched pair of sample recordings for
// testing replay: a DSRC pcap and a radar line log describing the same pair of
// vehicles on coherent timelines, so replaying both exercises cross-source
// association.
package main

import (
	"flag"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/banshee-data/fusion.report/internal/dsrc"
	"github.com/banshee-data/fusion.report/internal/fusion"
	"github.com/banshee-data/fusion.report/internal/radar"
)

var (
	dsrcOut  = flag.String("dsrc-o", "sample.pcap", "DSRC pcap output path")
	radarOut = flag.String("radar-o", "sample.radar.log", "radar line log output path")
	steps    = flag.Int("n", 100, "number of update cycles")
	stepMs   = flag.Int("step-ms", 100, "milliseconds between cycles")
)

func main() {
	flag.Parse()

	dsrcRec, err := dsrc.NewRecorder(*dsrcOut)
	if err != nil {
		log.Fatalf("failed to create DSRC recording: %v", err)
	}
	defer dsrcRec.Close()

	radarRec, err := radar.NewRecorder(*radarOut)
	if err != nil {
		log.Fatalf("failed to create radar log: %v", err)
	}
	defer radarRec.Close()

	// Vehicle one carries a DSRC radio and is painted by the radar; vehicle
	// two is radar-only. Both drive straight lines at constant speed.
	start := time.Now().UTC().Truncate(time.Second)
	step := time.Duration(*stepMs) * time.Millisecond

	for i := 0; i < *steps; i++ {
		at := start.Add(time.Duration(i) * step)
		micros := at.UnixNano() / int64(time.Microsecond)

		// vehicle one: eastbound through the intersection at 8 m/s
		x1 := 20.0 + 8.0*float64(i)*step.Seconds()
		y1 := 5.0

		dsrcPayload := fmt.Sprintf(
			`{"id":"veh-1","time_us":%d,"x":%.2f,"y":%.2f,"speed_mps":8.0,"heading_deg":90.0,"width_m":1.8,"accuracy_m":0.5}`,
			micros, x1, y1)
		if err := dsrcRec.Record(fusion.RawFrame{
			Source:     fusion.SourceDSRC,
			Payload:    []byte(dsrcPayload),
			CapturedAt: at,
		}); err != nil {
			log.Fatalf("failed to record DSRC frame: %v", err)
		}

		// the radar sees vehicle one ~20cm off the DSRC-reported position
		r1 := math.Hypot(x1+0.2, y1)
		a1 := math.Atan2(y1, x1+0.2) * 180 / math.Pi
		line1 := fmt.Sprintf(
			`{"track":7,"time_us":%d,"range_m":%.2f,"angle_deg":%.2f,"width_m":1.9,"range_rate_mps":-7.5,"magnitude":42}`,
			micros+2000, r1, a1)

		// vehicle two: radar-only, inbound along the boresight at 5 m/s
		r2 := math.Max(1, 120.0-5.0*float64(i)*step.Seconds())
		line2 := fmt.Sprintf(
			`{"track":9,"time_us":%d,"range_m":%.2f,"angle_deg":0.0,"range_rate_mps":-5.0,"magnitude":35}`,
			micros+3000, r2)

		for _, line := range []string{line1, line2} {
			if err := radarRec.Record(fusion.RawFrame{
				Source:     fusion.SourceRadar,
				Payload:    []byte(line),
				CapturedAt: at.Add(5 * time.Millisecond),
			}); err != nil {
				log.Fatalf("failed to record radar line: %v", err)
			}
		}

		if (i+1)%25 == 0 {
			log.Printf("%d/%d cycles", i+1, *steps)
		}
	}

	log.Printf("✓ Created: %s, %s", *dsrcOut, *radarOut)
}
