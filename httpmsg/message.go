package httpmsg

import (
	"bytes"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

var crlf = []byte("\r\n")

// headerTerminator delimits the header section from the body.
var headerTerminator = []byte("\r\n\r\n")

// FindHeaderEnd returns the index just past the blank-line terminator in
// buf, or -1 if the header section is not complete yet.
func FindHeaderEnd(buf []byte) int {
	if idx := bytes.Index(buf, headerTerminator); idx >= 0 {
		return idx + len(headerTerminator)
	}
	// Tolerate bare-LF framing from sloppy servers.
	if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
		return idx + 2
	}
	return -1
}

// StatusLine is the parsed first line of a response.
type StatusLine struct {
	Proto  string // e.g. "HTTP/1.1"
	Code   int
	Reason string
}

func ParseStatusLine(line []byte) (StatusLine, error) {
	line = bytes.TrimRight(line, "\r\n")

	proto, rest, found := bytes.Cut(line, []byte{' '})
	if !found || !bytes.HasPrefix(proto, []byte("HTTP/")) {
		return StatusLine{}, errors.Errorf("malformed status line: %q", line)
	}

	codeRaw, reason, _ := bytes.Cut(rest, []byte{' '})
	code, err := strconv.Atoi(string(codeRaw))
	if err != nil || code < 100 || code > 599 {
		return StatusLine{}, errors.Errorf("malformed status code: %q", codeRaw)
	}

	return StatusLine{
		Proto:  string(proto),
		Code:   code,
		Reason: string(reason),
	}, nil
}

// ParseHeaderBlock parses the header section (without the status line) into
// an ordered Header. block must not include the final blank line.
func ParseHeaderBlock(block []byte) (*Header, error) {
	header := NewHeader()

	for len(block) > 0 {
		line, rest, _ := bytes.Cut(block, []byte{'\n'})
		block = rest

		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}

		name, value, found := bytes.Cut(line, []byte{':'})
		if !found || len(name) == 0 {
			return nil, errors.Errorf("malformed header line: %q", line)
		}

		header.Add(
			string(bytes.TrimSpace(name)),
			string(bytes.TrimSpace(value)),
		)
	}

	return header, nil
}

// ParseResponseHead parses a complete header section including status line.
func ParseResponseHead(head []byte) (StatusLine, *Header, error) {
	line, rest, found := bytes.Cut(head, []byte{'\n'})
	if !found {
		rest = nil
	}

	status, err := ParseStatusLine(line)
	if err != nil {
		return StatusLine{}, nil, errors.Wrap(err, "parsing status line")
	}

	header, err := ParseHeaderBlock(rest)
	if err != nil {
		return StatusLine{}, nil, errors.Wrap(err, "parsing header block")
	}

	return status, header, nil
}

// WriteRequestHead serializes "method target HTTP/1.1" plus the header
// section and blank line into w, using a pooled scratch buffer so the head
// goes out in a single send.
func WriteRequestHead(w io.Writer, method, target string, header *Header) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.WriteString(method)
	buf.WriteByte(' ')
	buf.WriteString(target)
	buf.WriteString(" HTTP/1.1")
	buf.Write(crlf)

	for _, f := range header.Fields() {
		if strings.ContainsAny(f.Name, "\r\n") || strings.ContainsAny(f.Value, "\r\n") {
			return errors.Errorf("header %q contains line break", f.Name)
		}
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.Write(crlf)
	}
	buf.Write(crlf)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return errors.Wrap(err, "writing request head")
	}
	return nil
}

// ContentLength parses a Content-Length value. ok is false when the header
// is absent.
func ContentLength(header *Header) (length uint, ok bool, err error) {
	raw, ok := header.Get("Content-Length")
	if !ok {
		return 0, false, nil
	}

	parsed, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, true, errors.Wrapf(err, "invalid Content-Length %q", raw)
	}
	return uint(parsed), true, nil
}
