package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

const pipeBufferSize = 16

// pipeEnd is one side of an in-memory connection. Frames are encoded on Send
// so that both ends never share memory.
type pipeEnd struct {
	in  <-chan []byte
	out chan<- []byte

	closed       chan struct{}
	remoteClosed <-chan struct{}
	closeOnce    sync.Once
}

// Pipe returns two connected in-memory Connections. Closing either end makes
// the other one observe io.EOF after it has drained the frames already sent.
func Pipe() (Connection, Connection) {
	aToB := make(chan []byte, pipeBufferSize)
	bToA := make(chan []byte, pipeBufferSize)
	aClosed := make(chan struct{})
	bClosed := make(chan struct{})

	a := &pipeEnd{in: bToA, out: aToB, closed: aClosed, remoteClosed: bClosed}
	b := &pipeEnd{in: aToB, out: bToA, closed: bClosed, remoteClosed: aClosed}
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, frame *Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", frame.Type, err)
	}

	select {
	case <-p.closed:
		return ErrClosed
	case <-p.remoteClosed:
		return io.ErrClosedPipe
	default:
	}

	select {
	case p.out <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrClosed
	case <-p.remoteClosed:
		return io.ErrClosedPipe
	}
}

func (p *pipeEnd) Receive(ctx context.Context) (*Frame, error) {
	select {
	case <-p.closed:
		return nil, ErrClosed
	default:
	}

	var data []byte
	select {
	case data = <-p.in:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, ErrClosed
	case <-p.remoteClosed:
		select {
		case data = <-p.in:
		default:
			return nil, io.EOF
		}
	}

	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return &frame, nil
}

func (p *pipeEnd) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
	})
	return nil
}
