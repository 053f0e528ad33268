package codec

import (
	"io"
	"sync"

	"fetchstack/lib/buffer"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
)

// ContentCoding selects the compression format a Decompressor undoes.
type ContentCoding string

const (
	CodingGzip    ContentCoding = "gzip"
	CodingDeflate ContentCoding = "deflate"
)

// Decompressor is a pipeline stage undoing a Content-Encoding. The inflater
// is pull-based, so a pump goroutine bridges it to the push-style stage
// contract: Put hands compressed bytes to the pump, decoded output
// accumulates for Get, and Flush terminates the stream and joins the pump.
type Decompressor struct {
	coding ContentCoding

	pw *io.PipeWriter
	pr *io.PipeReader

	mu  sync.Mutex
	out *buffer.Buffer
	err error

	done chan struct{}
}

var _ Stage = (*Decompressor)(nil)

func NewDecompressor(coding ContentCoding) (*Decompressor, error) {
	switch coding {
	case CodingGzip, CodingDeflate:
	default:
		return nil, errors.Errorf("unsupported content coding: %q", coding)
	}

	pr, pw := io.Pipe()

	d := &Decompressor{
		coding: coding,
		pr:     pr,
		pw:     pw,
		out:    buffer.New(),
		done:   make(chan struct{}),
	}

	go d.pump()

	return d, nil
}

// pump reads decoded bytes out of the inflater until the compressed stream
// ends or fails. It is the only writer of d.out and d.err.
func (d *Decompressor) pump() {
	defer close(d.done)

	inflater, err := d.newInflater()
	if err != nil {
		// A stream closed before its first compressed byte decodes to
		// nothing: zero-length bodies still negotiate a coding.
		if errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return
		}
		d.fail(err)
		return
	}

	chunk := make([]byte, 4096)
	for {
		n, err := inflater.Read(chunk)
		if n > 0 {
			decoded := make([]byte, n)
			copy(decoded, chunk[:n])

			d.mu.Lock()
			d.out.Put(decoded)
			d.mu.Unlock()
		}

		if err == io.EOF {
			// Unblock a writer stuck behind trailing garbage.
			d.pr.CloseWithError(io.EOF)
			return
		}
		if err != nil {
			d.fail(err)
			return
		}
	}
}

func (d *Decompressor) newInflater() (io.Reader, error) {
	switch d.coding {
	case CodingGzip:
		zr, err := gzip.NewReader(d.pr)
		if err != nil {
			return nil, errors.Wrap(err, "reading gzip header")
		}
		return zr, nil

	case CodingDeflate:
		// Servers send both zlib-wrapped (RFC 9110) and raw deflate
		// streams under this coding. Sniff the zlib header.
		first := make([]byte, 1)
		if _, err := io.ReadFull(d.pr, first); err != nil {
			return nil, errors.Wrap(err, "reading deflate stream")
		}

		rest := io.MultiReader(newByteReader(first[0]), d.pr)
		if first[0] == 0x78 {
			zr, err := zlib.NewReader(rest)
			if err != nil {
				return nil, errors.Wrap(err, "reading zlib header")
			}
			return zr, nil
		}
		return flate.NewReader(rest), nil
	}

	panic("unreachable")
}

func (d *Decompressor) fail(err error) {
	d.mu.Lock()
	d.err = errors.Wrapf(err, "inflating %s stream", d.coding)
	d.mu.Unlock()

	// Unblock any Put stuck on the pipe.
	d.pr.CloseWithError(err)
}

func (d *Decompressor) Put(p []byte) error {
	if err := d.sticky(); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}

	if _, err := d.pw.Write(p); err != nil {
		if stickyErr := d.sticky(); stickyErr != nil {
			return stickyErr
		}
		return errors.Wrap(err, "feeding inflater")
	}

	return nil
}

func (d *Decompressor) Get() ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	chunk, err := d.out.PopFrontChunk()
	if err != nil {
		return nil, false
	}
	return chunk, true
}

func (d *Decompressor) Empty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.out.Empty()
}

// Flush finalizes the compressed stream and waits for the pump to emit the
// remaining decoded bytes.
func (d *Decompressor) Flush() error {
	d.pw.Close()
	<-d.done
	return d.sticky()
}

func (d *Decompressor) sticky() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

type byteReader struct {
	b    byte
	read bool
}

func newByteReader(b byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.read || len(p) == 0 {
		return 0, io.EOF
	}
	p[0] = r.b
	r.read = true
	return 1, nil
}
