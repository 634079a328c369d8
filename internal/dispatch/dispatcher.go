// Package dispatch runs one parser to completion and relays its updates to the
// combiner, translating end-of-stream and channel-failure conditions into sink
// lifecycle events. It performs no fusion and no reordering.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/banshee-data/fusion.report/internal/fusion"
	"github.com/banshee-data/fusion.report/internal/monitoring"
)

// ErrDisconnected marks a fatal loss of a live channel. Parsers wrap it so the
// dispatcher can distinguish disconnection from normal end of stream (io.EOF,
// which only replay parsers return).
var ErrDisconnected = errors.New("source disconnected")

// Disconnected wraps cause as a fatal disconnection of the given source.
func Disconnected(source fusion.Source, cause error) error {
	return fmt.Errorf("%w: %s: %v", ErrDisconnected, source, cause)
}

// Parser decodes one raw input stream into normalized track updates. Next
// blocks until an update is available; it returns io.EOF when a replay log is
// exhausted and an ErrDisconnected-wrapped error when a live channel fails.
// Next must return promptly once ctx is cancelled.
type Parser interface {
	Next(ctx context.Context) (fusion.TrackUpdate, error)
	Source() fusion.Source
	Close() error
}

// Sink receives relayed updates and source lifecycle events. The combiner
// implements this.
type Sink interface {
	Accept(update fusion.TrackUpdate)
	SourceClosed(source fusion.Source)
	SourceFailed(source fusion.Source, reason error)
}

// Dispatcher owns one parser and forwards each update to the sink in the exact
// order received.
type Dispatcher struct {
	parser Parser
	sink   Sink
}

// New creates a dispatcher for the given parser and sink.
func New(parser Parser, sink Sink) *Dispatcher {
	return &Dispatcher{parser: parser, sink: sink}
}

// Run relays updates until the parser terminates or ctx is cancelled. It is a
// blocking call intended for its own goroutine. Cancellation counts as a clean
// close of this source; the other source and the combiner keep running.
func (d *Dispatcher) Run(ctx context.Context) error {
	source := d.parser.Source()
	defer d.parser.Close()

	for {
		update, err := d.parser.Next(ctx)
		switch {
		case err == nil:
			d.sink.Accept(update)

		case errors.Is(err, io.EOF):
			monitoring.Logf("dispatch: %s stream ended", source)
			d.sink.SourceClosed(source)
			return nil

		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			monitoring.Logf("dispatch: %s cancelled", source)
			d.sink.SourceClosed(source)
			return ctx.Err()

		default:
			monitoring.Logf("dispatch: %s failed: %v", source, err)
			d.sink.SourceFailed(source, err)
			return err
		}
	}
}
