// Package codec implements the response body decoding pipeline: a chain of
// byte-stream stages (chunked-transfer unframing, decompression) fed with
// arbitrarily fragmented network reads.
package codec

import (
	"fetchstack/lib/buffer"

	"github.com/pkg/errors"
)

// Stage is one transform in a decoding pipeline. Put must not block; output
// produced by a Put (or Flush) becomes available through subsequent Get
// calls, in input order.
type Stage interface {
	// Put feeds raw bytes into the stage. The stage does not retain p.
	Put(p []byte) error
	// Get pops one produced unit of decoded bytes. ok is false when the
	// stage currently has no output.
	Get() (out []byte, ok bool)
	Empty() bool
	// Flush signals end-of-input and emits any buffered remainder.
	Flush() error
}

// DecodeError uniformly wraps a failure from any pipeline stage, so callers
// don't need to know which stage raised it.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decoding body: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

func wrapDecode(err error) error {
	var d *DecodeError
	if errors.As(err, &d) {
		return err
	}
	return &DecodeError{Err: err}
}

// Pipe composes zero or more stages left to right. With no stages it is the
// identity transform: Put appends straight to the internal buffer.
type Pipe struct {
	stages []Stage
	out    *buffer.Buffer

	started bool
	flushed bool
}

func NewPipe(stages ...Stage) *Pipe {
	return &Pipe{stages: stages, out: buffer.New()}
}

var ErrPipeStarted = errors.New("pipe already received data")

// Insert appends a stage to the pipeline. Must be called before the first Put.
func (p *Pipe) Insert(s Stage) error {
	if p.started {
		return ErrPipeStarted
	}
	p.stages = append(p.stages, s)
	return nil
}

// Put feeds data through every stage in order and collects the final stage's
// output into the pipe's buffer. data is copied into the first stage, so the
// caller may reuse its slice.
func (p *Pipe) Put(data []byte) error {
	p.started = true

	if len(p.stages) == 0 {
		clone := make([]byte, len(data))
		copy(clone, data)
		p.out.Put(clone)
		return nil
	}

	if err := p.stages[0].Put(data); err != nil {
		return wrapDecode(err)
	}

	return p.shift(0)
}

// Flush propagates end-of-input to every stage, forwarding straggler output
// down the chain. Every stage is finalized even when an earlier one fails, so
// a stage holding resources (the decompressor's pump goroutine) is always
// released; the first failure is the one reported. Must be called exactly
// once, after the last Put.
func (p *Pipe) Flush() error {
	p.started = true
	if p.flushed {
		return errors.New("pipe flushed twice")
	}
	p.flushed = true

	var firstErr error
	for idx, stage := range p.stages {
		if err := stage.Flush(); err != nil && firstErr == nil {
			firstErr = wrapDecode(err)
		}
		if err := p.shift(idx); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// shift drains output of stage from and feeds it forward until the last
// stage's output lands in the pipe buffer.
func (p *Pipe) shift(from int) error {
	for idx := from; idx < len(p.stages); idx++ {
		stage := p.stages[idx]
		last := idx == len(p.stages)-1

		for {
			out, ok := stage.Get()
			if !ok {
				break
			}

			if last {
				p.out.Put(out)
				continue
			}

			if err := p.stages[idx+1].Put(out); err != nil {
				return wrapDecode(err)
			}
		}
	}

	return nil
}

// Get pops one decoded fragment. Draining clears the internal buffer; the
// pipe is single-consumer and not re-readable.
func (p *Pipe) Get() ([]byte, bool) {
	chunk, err := p.out.PopFrontChunk()
	if err != nil {
		return nil, false
	}
	return chunk, true
}

func (p *Pipe) Empty() bool { return p.out.Empty() }
func (p *Pipe) Len() uint   { return p.out.Len() }

// Drain moves every pending decoded fragment into dst.
func (p *Pipe) Drain(dst *buffer.Buffer) {
	for {
		chunk, ok := p.Get()
		if !ok {
			return
		}
		dst.Put(chunk)
	}
}
