package radar

import (
	"bufio"
	"context"
	"io"
	"sync"

	"github.com/banshee-data/fusion.report/internal/dispatch"
	"github.com/banshee-data/fusion.report/internal/fusion"
	"github.com/banshee-data/fusion.report/internal/monitoring"
)

// LiveParser reads track messages from an already-open CAN adapter channel.
// The adapter presents as a serial line device; opening the port is the
// caller's concern. Next never returns io.EOF: if the scanner stops during
// live operation the channel is gone, which is a fatal disconnection.
type LiveParser struct {
	port      io.ReadCloser
	lines     chan string
	scanErr   chan error
	closed    chan struct{}
	closeOnce sync.Once
	started   bool
	seq       dispatch.Sequencer
}

// NewLiveParser wraps an open adapter channel. go.bug.st/serial ports satisfy
// io.ReadCloser directly.
func NewLiveParser(port io.ReadCloser) *LiveParser {
	return &LiveParser{
		port:    port,
		lines:   make(chan string),
		scanErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

// Source returns the radar source tag.
func (p *LiveParser) Source() fusion.Source { return fusion.SourceRadar }

// Close closes the adapter channel and terminates the scan goroutine.
func (p *LiveParser) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.port.Close()
	})
	return err
}

// start launches the goroutine that owns the blocking scanner so Next can
// await lines and cancellation together. The goroutine's lifetime is tied to
// Close, not to any one caller's context.
func (p *LiveParser) start() {
	scan := bufio.NewScanner(p.port)
	go func() {
		defer close(p.lines)
		for scan.Scan() {
			select {
			case p.lines <- scan.Text():
			case <-p.closed:
				return
			}
		}
		if err := scan.Err(); err != nil {
			p.scanErr <- err
		}
	}()
}

// Next blocks until the next decodable track message arrives. Malformed lines
// are skipped with a logged decode error.
func (p *LiveParser) Next(ctx context.Context) (fusion.TrackUpdate, error) {
	if !p.started {
		p.started = true
		p.start()
	}
	for {
		select {
		case <-ctx.Done():
			return fusion.TrackUpdate{}, ctx.Err()

		case line, ok := <-p.lines:
			if !ok {
				// The scanner stopped: channel failure, not end of stream.
				select {
				case err := <-p.scanErr:
					return fusion.TrackUpdate{}, dispatch.Disconnected(fusion.SourceRadar, err)
				default:
					return fusion.TrackUpdate{}, dispatch.Disconnected(fusion.SourceRadar, io.ErrUnexpectedEOF)
				}
			}
			update, err := parseLine(line)
			if err != nil {
				decodeErrors.Inc()
				monitoring.Logf("radar: skipping line: %v", err)
				continue
			}
			update.Timestamp, _ = p.seq.Clamp(update.Timestamp)
			return update, nil
		}
	}
}
