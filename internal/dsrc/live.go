package dsrc

import (
	"context"
	"net"
	"time"

	"github.com/banshee-data/fusion.report/internal/dispatch"
	"github.com/banshee-data/fusion.report/internal/fusion"
	"github.com/banshee-data/fusion.report/internal/monitoring"
	"github.com/banshee-data/fusion.report/internal/timeutil"
)

// pollInterval bounds how long a blocked read can delay noticing cancellation.
const pollInterval = 250 * time.Millisecond

// LiveParser reads DSRC log datagrams from an already-open UDP socket. Next
// never returns io.EOF; a socket failure surfaces as a disconnection.
type LiveParser struct {
	conn  net.PacketConn
	clock timeutil.Clock
	seq   dispatch.Sequencer
	buf   []byte
}

// NewLiveParser wraps an open packet socket. Opening the socket is the
// caller's concern; the parser owns it from here and closes it on Close.
func NewLiveParser(conn net.PacketConn, clock timeutil.Clock) *LiveParser {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &LiveParser{
		conn:  conn,
		clock: clock,
		buf:   make([]byte, 64*1024),
	}
}

// Source returns the DSRC source tag.
func (p *LiveParser) Source() fusion.Source { return fusion.SourceDSRC }

// Close closes the underlying socket, which also unblocks a pending Next.
func (p *LiveParser) Close() error { return p.conn.Close() }

// Next blocks until the next decodable datagram arrives. Malformed datagrams
// are skipped with a logged decode error.
func (p *LiveParser) Next(ctx context.Context) (fusion.TrackUpdate, error) {
	for {
		if err := ctx.Err(); err != nil {
			return fusion.TrackUpdate{}, err
		}

		// Short read deadlines keep cancellation prompt without busy-waiting.
		if err := p.conn.SetReadDeadline(time.Now().Add(pollInterval)); err != nil {
			return fusion.TrackUpdate{}, dispatch.Disconnected(fusion.SourceDSRC, err)
		}
		n, _, err := p.conn.ReadFrom(p.buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return fusion.TrackUpdate{}, ctx.Err()
			}
			return fusion.TrackUpdate{}, dispatch.Disconnected(fusion.SourceDSRC, err)
		}

		frame := fusion.RawFrame{
			Source:     fusion.SourceDSRC,
			Payload:    append([]byte(nil), p.buf[:n]...),
			CapturedAt: p.clock.Now(),
		}
		update, err := decodeFrame(frame)
		if err != nil {
			decodeErrors.Inc()
			monitoring.Logf("dsrc: skipping datagram: %v", err)
			continue
		}
		update.Timestamp, _ = p.seq.Clamp(update.Timestamp)
		return update, nil
	}
}
