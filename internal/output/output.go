// Package output delivers finished channel buffers to a sink.
package output

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreman2200/funtimes-sandestin/internal/e131"
	"github.com/coreman2200/funtimes-sandestin/internal/render"
)

// Output abstracts a frame sink.
type Output interface {
	// Send pushes one frame. buf is only valid for the duration of the call.
	Send(ctx context.Context, f render.Frame, buf []byte) error
	// Close releases resources.
	Close() error
}

// E131 streams frames to the controllers over sACN.
type E131 struct {
	P *e131.Packetizer
	// TerminateTimeout bounds the stream-terminated burst sent on Close.
	TerminateTimeout time.Duration
}

func NewE131(p *e131.Packetizer) *E131 {
	return &E131{P: p, TerminateTimeout: time.Second}
}

func (o *E131) Send(ctx context.Context, _ render.Frame, buf []byte) error {
	return o.P.SendFrame(ctx, buf)
}

func (o *E131) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), o.TerminateTimeout)
	defer cancel()
	return errors.Join(o.P.Terminate(ctx), o.P.Close())
}

// Multi fans a frame out to several outputs in order and stops at the first
// failure.
type Multi []Output

func (m Multi) Send(ctx context.Context, f render.Frame, buf []byte) error {
	for i, o := range m {
		if err := o.Send(ctx, f, buf); err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
	}
	return nil
}

func (m Multi) Close() error {
	var errs []error
	for _, o := range m {
		errs = append(errs, o.Close())
	}
	return errors.Join(errs...)
}
