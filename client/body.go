package client

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// BodySource produces a request body. The engine only needs to know whether
// the total length is known up front (Content-Length vs chunked
// transfer-coding) and how to produce the next chunk.
type BodySource interface {
	// ContentLength reports the total size when it is known in advance.
	ContentLength() (n uint, known bool)

	// Chunks starts a fresh pass over the content. The returned
	// generator yields successive chunks and io.EOF after the last one.
	// Sources that cannot restart return an error on the second call.
	Chunks() (next func() ([]byte, error), err error)
}

// BytesBody serves a fixed in-memory byte sequence. Restartable.
func BytesBody(data []byte) BodySource { return &bytesBody{data: data} }

type bytesBody struct{ data []byte }

func (b *bytesBody) ContentLength() (uint, bool) { return uint(len(b.data)), true }

func (b *bytesBody) Chunks() (func() ([]byte, error), error) {
	sent := false
	return func() ([]byte, error) {
		if sent || len(b.data) == 0 {
			return nil, io.EOF
		}
		sent = true
		return b.data, nil
	}, nil
}

// FileBody serves a named file, read incrementally. Restartable.
func FileBody(path string) (BodySource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "stating body file")
	}
	if info.IsDir() {
		return nil, errors.Errorf("body file %q is a directory", path)
	}

	return &fileBody{path: path, size: uint(info.Size())}, nil
}

type fileBody struct {
	path string
	size uint
}

func (b *fileBody) ContentLength() (uint, bool) { return b.size, true }

func (b *fileBody) Chunks() (func() ([]byte, error), error) {
	file, err := os.Open(b.path)
	if err != nil {
		return nil, errors.Wrap(err, "opening body file")
	}

	return func() ([]byte, error) {
		chunk := make([]byte, DefaultBufferSize)
		n, err := file.Read(chunk)
		if n > 0 {
			return chunk[:n], nil
		}
		file.Close()
		if err == nil || errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}, nil
}

// GeneratorBody streams a lazily-produced sequence of chunks as chunked
// transfer-coding (total length unknown). It is single-pass: a redirect or
// auth retry that must resend the body fails instead of replaying it.
func GeneratorBody(next func() ([]byte, error)) BodySource {
	return &generatorBody{next: next}
}

type generatorBody struct {
	next    func() ([]byte, error)
	started bool
}

func (b *generatorBody) ContentLength() (uint, bool) { return 0, false }

func (b *generatorBody) Chunks() (func() ([]byte, error), error) {
	if b.started {
		return nil, errors.New("generator body cannot be replayed")
	}
	b.started = true
	return b.next, nil
}
