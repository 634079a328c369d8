package dsrc

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/fusion.report/internal/dispatch"
	"github.com/banshee-data/fusion.report/internal/fusion"
	"github.com/banshee-data/fusion.report/internal/monitoring"
	"github.com/banshee-data/fusion.report/internal/timeutil"
)

// ReplayParser replays a pcap capture of DSRC log traffic, releasing each
// datagram only once the originally recorded inter-arrival time has elapsed so
// downstream time-ordering behaves exactly as in live operation. Next returns
// io.EOF when the capture is exhausted.
type ReplayParser struct {
	file  *os.File
	r     *pcapgo.Reader
	clock timeutil.Clock
	speed float64
	seq   dispatch.Sequencer

	started      time.Time
	firstCapture time.Time
}

// OpenReplay opens a pcap capture for replay. A missing or unreadable file is
// a startup-fatal configuration error. Speed scales pacing (1.0 = recorded
// timing); values <= 0 default to 1.0.
func OpenReplay(path string, speed float64, clock timeutil.Clock) (*ReplayParser, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if speed <= 0 {
		speed = 1.0
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dsrc replay log: %w", err)
	}
	r, err := pcapgo.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read pcap header from %s: %w", path, err)
	}
	return &ReplayParser{file: f, r: r, clock: clock, speed: speed}, nil
}

// Source returns the DSRC source tag.
func (p *ReplayParser) Source() fusion.Source { return fusion.SourceDSRC }

// Close closes the capture file.
func (p *ReplayParser) Close() error { return p.file.Close() }

// Next returns the next recorded update after reproducing its original
// inter-arrival delay. Non-UDP packets and undecodable payloads are skipped.
func (p *ReplayParser) Next(ctx context.Context) (fusion.TrackUpdate, error) {
	for {
		if err := ctx.Err(); err != nil {
			return fusion.TrackUpdate{}, err
		}

		data, ci, err := p.r.ReadPacketData()
		if err != nil {
			if err == io.EOF {
				return fusion.TrackUpdate{}, io.EOF
			}
			return fusion.TrackUpdate{}, fmt.Errorf("dsrc replay read: %w", err)
		}

		if err := p.pace(ctx, ci.Timestamp); err != nil {
			return fusion.TrackUpdate{}, err
		}

		payload, ok := udpPayload(data, p.r.LinkType())
		if !ok {
			continue
		}

		frame := fusion.RawFrame{
			Source:     fusion.SourceDSRC,
			Payload:    payload,
			CapturedAt: ci.Timestamp,
		}
		update, err := decodeFrame(frame)
		if err != nil {
			decodeErrors.Inc()
			monitoring.Logf("dsrc: skipping recorded datagram: %v", err)
			continue
		}
		update.Timestamp, _ = p.seq.Clamp(update.Timestamp)
		return update, nil
	}
}

// pace sleeps until the recorded-relative release time for a packet captured
// at captureTime, scaled by the replay speed. Cancellation interrupts the wait.
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

// udpPayload extracts the UDP payload from a captured link-layer packet.
func udpPayload(data []byte, linkType layers.LinkType) ([]byte, bool) {
	packet := gopacket.NewPacket(data, linkType, gopacket.Default)
	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, false
	}
	udp, ok := udpLayer.(*layers.UDP)
	if !ok || len(udp.Payload) == 0 {
		return nil, false
	}
	return udp.Payload, true
}
