package codec

import (
	"fetchstack/lib/buffer"

	"github.com/pkg/errors"
)

// chunked transfer-coding grammar (RFC 9112 §7.1):
//
//	chunk     = chunk-size [ chunk-ext ] CRLF chunk-data CRLF
//	last      = "0" [ chunk-ext ] CRLF trailer-section CRLF
//
// Trailer fields are intentionally discarded, not parsed.
type dechunkState uint8

const (
	huntingSize dechunkState = iota
	huntingSeparator
	receiving
	trailer
)

// Size line (hex digits plus extensions) longer than this is treated as a
// framing error rather than buffered without bound.
const maxSizeLineLen = 80

// Dechunker removes chunked transfer-coding framing. It is an explicit state
// machine tolerant of arbitrary fragmentation: chunk frames may be split at
// any byte across Put calls.
type Dechunker struct {
	state dechunkState

	sizeLine  []byte
	toReceive uint
	out       *buffer.Buffer
}

var _ Stage = (*Dechunker)(nil)

func NewDechunker() *Dechunker {
	return &Dechunker{
		state:    huntingSize,
		sizeLine: make([]byte, 0, 16),
		out:      buffer.New(),
	}
}

// Done reports whether the terminal zero-size chunk and its trailing bytes
// have been fully consumed. Callers use it to detect the end of the body.
func (d *Dechunker) Done() bool {
	return d.state == trailer && d.toReceive == 0
}

func (d *Dechunker) Put(p []byte) error {
	for len(p) > 0 {
		switch d.state {
		case huntingSize:
			var err error
			if p, err = d.huntSize(p); err != nil {
				return err
			}

		case receiving:
			n := d.toReceive
			if uint(len(p)) < n {
				n = uint(len(p))
			}

			fragment := make([]byte, n)
			copy(fragment, p[:n])
			d.out.Put(fragment)

			d.toReceive -= n
			p = p[n:]

			if d.toReceive == 0 {
				d.state = huntingSeparator
			}

		case huntingSeparator:
			// Discard the CRLF after chunk data. The first non-CR/LF
			// byte starts the next size line and is not consumed.
			if p[0] == '\r' || p[0] == '\n' {
				p = p[1:]
				continue
			}
			d.state = huntingSize

		case trailer:
			n := d.toReceive
			if uint(len(p)) < n {
				n = uint(len(p))
			}
			d.toReceive -= n
			p = p[n:]

			if d.toReceive == 0 {
				// Remaining bytes belong to the next message.
				return nil
			}
		}
	}

	return nil
}

// huntSize accumulates the size line until LF and parses it. It returns the
// unconsumed remainder of p.
func (d *Dechunker) huntSize(p []byte) ([]byte, error) {
	for idx, b := range p {
		d.sizeLine = append(d.sizeLine, b)

		if b != '\n' {
			if len(d.sizeLine) > maxSizeLineLen {
				return nil, errors.Errorf(
					"chunk size line exceeds %d bytes without terminator",
					maxSizeLineLen,
				)
			}
			continue
		}

		size, err := parseChunkSize(d.sizeLine)
		if err != nil {
			return nil, err
		}
		d.sizeLine = d.sizeLine[:0]

		rest := p[idx+1:]

		if size == 0 {
			// Last chunk. Skip the terminating CRLF of the (empty)
			// trailer section, clipped to what is available now.
			d.state = trailer
			d.toReceive = 2
			if uint(len(rest)) < d.toReceive {
				d.toReceive = uint(len(rest))
			}
			return rest, nil
		}

		d.state = receiving
		d.toReceive = size
		return rest, nil
	}

	return nil, nil
}

// parseChunkSize decodes the leading hex digits of a size line. Extensions
// after ';' and the line terminator are ignored.
func parseChunkSize(line []byte) (uint, error) {
	var size uint
	digits := 0

	for _, b := range line {
		var v uint
		switch {
		case b >= '0' && b <= '9':
			v = uint(b - '0')
		case b >= 'a' && b <= 'f':
			v = uint(b-'a') + 10
		case b >= 'A' && b <= 'F':
			v = uint(b-'A') + 10
		default:
			if digits == 0 {
				return 0, errors.Errorf("chunk size not found in line %q", line)
			}
			return size, nil
		}

		digits++
		if digits > 15 {
			return 0, errors.New("chunk size too large")
		}
		size = size<<4 | v
	}

	// Unreachable while lines are LF-terminated.
	return size, nil
}

func (d *Dechunker) Get() ([]byte, bool) {
	chunk, err := d.out.PopFrontChunk()
	if err != nil {
		return nil, false
	}
	return chunk, true
}

func (d *Dechunker) Empty() bool { return d.out.Empty() }

func (d *Dechunker) Flush() error {
	if !d.Done() && d.state != trailer {
		return errors.New("chunked body truncated")
	}
	return nil
}
