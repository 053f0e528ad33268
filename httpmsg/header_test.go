package httpmsg

import (
	"testing"

	"github.com/stretchr/testify/suite"
)

type HeaderTestSuite struct {
	suite.Suite
}

func TestHeaderTestSuite(t *testing.T) {
	suite.Run(t, new(HeaderTestSuite))
}

func (s *HeaderTestSuite) TestCaseInsensitiveLookup() {
	h := NewHeader()
	h.Add("Content-Type", "text/plain")

	for _, name := range []string{"Content-Type", "content-type", "CONTENT-TYPE"} {
		value, ok := h.Get(name)
		s.True(ok, name)
		s.Equal("text/plain", value)
	}

	_, ok := h.Get("Content-Length")
	s.False(ok)
}

func (s *HeaderTestSuite) TestInsertionOrderPreserved() {
	h := NewHeader()
	h.Add("B", "2")
	h.Add("A", "1")
	h.Add("B", "3")

	fields := h.Fields()
	s.Equal([]Field{{"B", "2"}, {"A", "1"}, {"B", "3"}}, fields)

	s.Equal([]string{"2", "3"}, h.Values("b"))
}

func (s *HeaderTestSuite) TestSetReplacesAll() {
	h := NewHeader()
	h.Add("Accept", "a")
	h.Add("accept", "b")
	h.Set("ACCEPT", "c")

	s.Equal([]string{"c"}, h.Values("accept"))
	s.Equal(1, h.Len())
}

func (s *HeaderTestSuite) TestCloneIsIndependent() {
	h := NewHeader()
	h.Add("X", "1")

	clone := h.Clone()
	clone.Set("X", "2")

	value, _ := h.Get("X")
	s.Equal("1", value)
}

func (s *HeaderTestSuite) TestValueHasToken() {
	testcases := []struct {
		desc   string
		value  string
		token  string
		expect bool
	}{
		{desc: "single token", value: "close", token: "close", expect: true},
		{desc: "case differs", value: "Keep-Alive", token: "keep-alive", expect: true},
		{desc: "in list", value: "gzip, chunked", token: "chunked", expect: true},
		{desc: "whitespace", value: " gzip , chunked ", token: "gzip", expect: true},
		{desc: "absent", value: "gzip", token: "chunked", expect: false},
		{desc: "substring is not a token", value: "gzipped", token: "gzip", expect: false},
	}

	for _, tc := range testcases {
		s.Run(tc.desc, func() {
			s.Equal(tc.expect, ValueHasToken(tc.value, tc.token))
		})
	}
}
