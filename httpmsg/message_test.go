package httpmsg

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/suite"
)

type MessageTestSuite struct {
	suite.Suite
}

func TestMessageTestSuite(t *testing.T) {
	suite.Run(t, new(MessageTestSuite))
}

func (s *MessageTestSuite) TestFindHeaderEnd() {
	testcases := []struct {
		desc  string
		input string
		want  int
	}{
		{desc: "complete", input: "HTTP/1.1 200 OK\r\nA: 1\r\n\r\nbody", want: 25},
		{desc: "incomplete", input: "HTTP/1.1 200 OK\r\nA: 1\r\n", want: -1},
		{desc: "bare LF framing", input: "HTTP/1.1 200 OK\nA: 1\n\nbody", want: 22},
		{desc: "empty", input: "", want: -1},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			s.Equal(tc.want, FindHeaderEnd([]byte(tc.input)))
		})
	}
}

func (s *MessageTestSuite) TestParseStatusLine() {
	testcases := []struct {
		desc    string
		input   string
		want    StatusLine
		wantErr bool
	}{
		{
			desc:  "ok",
			input: "HTTP/1.1 200 OK\r\n",
			want:  StatusLine{Proto: "HTTP/1.1", Code: 200, Reason: "OK"},
		},
		{
			desc:  "multiword reason",
			input: "HTTP/1.0 404 Not Found",
			want:  StatusLine{Proto: "HTTP/1.0", Code: 404, Reason: "Not Found"},
		},
		{
			desc:  "no reason",
			input: "HTTP/1.1 301",
			want:  StatusLine{Proto: "HTTP/1.1", Code: 301},
		},
		{desc: "not http", input: "ICY 200 OK", wantErr: true},
		{desc: "bad code", input: "HTTP/1.1 xyz OK", wantErr: true},
		{desc: "code out of range", input: "HTTP/1.1 999 ???", wantErr: true},
		{desc: "empty", input: "", wantErr: true},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			got, err := ParseStatusLine([]byte(tc.input))
			if tc.wantErr {
				s.Error(err)
				return
			}
			s.Require().NoError(err)
			s.Equal(tc.want, got)
		})
	}
}

func (s *MessageTestSuite) TestParseResponseHead() {
	head := []byte("HTTP/1.1 200 OK\r\n" +
		"Content-Type: text/plain\r\n" +
		"Set-Cookie: a=1\r\n" +
		"Set-Cookie: b=2\r\n" +
		"\r\n")

	status, header, err := ParseResponseHead(head)
	s.Require().NoError(err)

	s.Equal(200, status.Code)
	s.Equal([]string{"a=1", "b=2"}, header.Values("set-cookie"))

	contentType, ok := header.Get("content-type")
	s.True(ok)
	s.Equal("text/plain", contentType)
}

func (s *MessageTestSuite) TestParseHeaderBlockMalformed() {
	_, err := ParseHeaderBlock([]byte("no colon here\r\n"))
	s.Error(err)
}

func (s *MessageTestSuite) TestWriteRequestHead() {
	h := NewHeader()
	h.Add("Host", "example.com")
	h.Add("Accept", "*/*")

	out := bytes.NewBuffer(nil)
	s.Require().NoError(WriteRequestHead(out, "GET", "/index?q=1", h))

	want := "GET /index?q=1 HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"Accept: */*\r\n" +
		"\r\n"
	s.Equal(want, out.String())
}

func (s *MessageTestSuite) TestWriteRequestHeadRejectsInjection() {
	h := NewHeader()
	h.Add("X-Bad", "value\r\nInjected: yes")

	err := WriteRequestHead(bytes.NewBuffer(nil), "GET", "/", h)
	s.Error(err)
}

func (s *MessageTestSuite) TestContentLength() {
	h := NewHeader()

	_, ok, err := ContentLength(h)
	s.NoError(err)
	s.False(ok)

	h.Set("Content-Length", " 42 ")
	length, ok, err := ContentLength(h)
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(uint(42), length)

	h.Set("Content-Length", "nope")
	_, _, err = ContentLength(h)
	s.Error(err)
}
