package ftp

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"fetchstack/netstream"

	"github.com/stretchr/testify/suite"
)

// fakeStream is a scripted in-memory Stream: Send hands complete command
// lines to onCommand, Receive drains whatever onCommand queued.
type fakeStream struct {
	onCommand func(verb, args string)

	inbox    bytes.Buffer // server → client
	partial  []byte       // incomplete command line
	commands []string
	closed   bool
}

func (f *fakeStream) queue(lines ...string) {
	for _, line := range lines {
		f.inbox.WriteString(line + "\r\n")
	}
}

func (f *fakeStream) Send(p []byte) (int, error) {
	f.partial = append(f.partial, p...)
	for {
		i := bytes.Index(f.partial, []byte("\r\n"))
		if i < 0 {
			return len(p), nil
		}
		line := string(f.partial[:i])
		f.partial = f.partial[i+2:]
		f.commands = append(f.commands, line)

		verb, args, _ := strings.Cut(line, " ")
		if f.onCommand != nil {
			f.onCommand(verb, args)
		}
	}
}

func (f *fakeStream) Receive(p []byte) (int, error) {
	if f.inbox.Len() == 0 {
		return 0, nil // peer closed
	}
	return f.inbox.Read(p)
}

func (f *fakeStream) Connect(string, uint16, time.Duration) error { return nil }
func (f *fakeStream) SetReadTimeout(time.Duration)                {}
func (f *fakeStream) SetWriteTimeout(time.Duration)               {}
func (f *fakeStream) Bind(string, uint16) error                   { return nil }
func (f *fakeStream) Listen(int) error                            { return nil }
func (f *fakeStream) Accept() (netstream.Stream, error)           { return nil, nil }
func (f *fakeStream) LocalPort() uint16                           { return 0 }
func (f *fakeStream) SetReuseAddr(bool)                           {}
func (f *fakeStream) IsOpen() bool                                { return !f.closed }
func (f *fakeStream) IsConnected() bool                           { return !f.closed }
func (f *fakeStream) Close() error                                { f.closed = true; return nil }

type SessionTestSuite struct {
	suite.Suite
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

// newScriptedSession wires a session to a fake control stream answering
// the standard command sequence.
func (s *SessionTestSuite) newScriptedSession(control *fakeStream, data *fakeStream) *Session {
	session := NewSession(control, "ftp.example.com", time.Second, nil)
	session.dialData = func(host string, port uint16) (netstream.Stream, error) {
		s.Equal("ftp.example.com", host)
		s.Equal(uint16(2121), port)
		return data, nil
	}
	return session
}

func standardControl() *fakeStream {
	control := &fakeStream{}
	control.onCommand = func(verb, _ string) {
		switch verb {
		case "USER":
			control.queue("331 password required")
		case "PASS":
			control.queue("230 logged in")
		case "TYPE":
			control.queue("200 switched to binary")
		case "EPSV":
			control.queue("229 Entering Extended Passive Mode (|||2121|)")
		case "RETR":
			control.queue("150 opening data connection", "226 transfer complete")
		case "STOR":
			control.queue("150 ok to send data", "226 transfer complete")
		case "QUIT":
			control.queue("221 goodbye")
		}
	}
	return control
}

func (s *SessionTestSuite) TestLoginBinaryRetrieve() {
	control := standardControl()
	data := &fakeStream{}
	data.inbox.WriteString("file contents")

	session := s.newScriptedSession(control, data)
	s.Require().NoError(session.Login("user", "pass"))
	s.Require().NoError(session.Binary())

	body, reply, err := session.Retrieve("/pub/file.txt")
	s.Require().NoError(err)
	s.Equal(226, reply.Code)
	s.Equal("file contents", string(body.Data()))
	s.True(data.closed)

	s.Equal([]string{
		"USER user", "PASS pass", "TYPE I", "EPSV", "RETR /pub/file.txt",
	}, control.commands)
}

func (s *SessionTestSuite) TestLoginWithoutPassword() {
	control := &fakeStream{}
	control.onCommand = func(verb, _ string) {
		if verb == "USER" {
			control.queue("230 logged in")
		}
	}

	session := NewSession(control, "h", time.Second, nil)
	s.Require().NoError(session.Login("anonymous", "anonymous"))
	s.Equal([]string{"USER anonymous"}, control.commands)
}

func (s *SessionTestSuite) TestLoginRejected() {
	control := &fakeStream{}
	control.onCommand = func(verb, _ string) {
		switch verb {
		case "USER":
			control.queue("331 password required")
		case "PASS":
			control.queue("530 login incorrect")
		}
	}

	err := NewSession(control, "h", time.Second, nil).Login("u", "wrong")

	var replyErr *ReplyError
	s.Require().ErrorAs(err, &replyErr)
	s.Equal("PASS", replyErr.Verb)
	s.Equal(530, replyErr.Reply.Code)
}

func (s *SessionTestSuite) TestStore() {
	control := standardControl()
	data := &fakeStream{}

	session := s.newScriptedSession(control, data)

	chunks := [][]byte{[]byte("part one "), []byte("part two")}
	i := 0
	reply, err := session.Store("/upload.bin", func() ([]byte, error) {
		if i == len(chunks) {
			return nil, io.EOF
		}
		chunk := chunks[i]
		i++
		return chunk, nil
	})

	s.Require().NoError(err)
	s.Equal(226, reply.Code)
	s.Equal("part one part two", string(data.partial))
	s.True(data.closed)
}

func (s *SessionTestSuite) TestPASVFallback() {
	control := &fakeStream{}
	control.onCommand = func(verb, _ string) {
		switch verb {
		case "EPSV":
			control.queue("500 command not understood")
		case "PASV":
			control.queue("227 Entering Passive Mode (127,0,0,1,8,73)")
		case "RETR":
			control.queue("150 opening", "226 done")
		}
	}

	data := &fakeStream{}
	data.inbox.WriteString("x")

	session := NewSession(control, "h", time.Second, nil)
	session.dialData = func(host string, port uint16) (netstream.Stream, error) {
		s.Equal("127.0.0.1", host)
		s.Equal(uint16(8*256+73), port)
		return data, nil
	}

	body, _, err := session.Retrieve("/f")
	s.Require().NoError(err)
	s.Equal("x", string(body.Data()))
}

func (s *SessionTestSuite) TestMultilineReply() {
	control := &fakeStream{}
	control.inbox.WriteString("220-welcome\r\nsecond line\r\n220 ready\r\n")

	session := NewSession(control, "h", time.Second, nil)
	reply, err := session.readReply()

	s.Require().NoError(err)
	s.Equal(220, reply.Code)
	s.Equal("welcome\nsecond line\nready", reply.Text)
}

func (s *SessionTestSuite) TestRetrieveRefused() {
	control := &fakeStream{}
	control.onCommand = func(verb, _ string) {
		switch verb {
		case "EPSV":
			control.queue("229 ok (|||2121|)")
		case "RETR":
			control.queue("550 no such file")
		}
	}

	session := NewSession(control, "h", time.Second, nil)
	session.dialData = func(string, uint16) (netstream.Stream, error) {
		return &fakeStream{}, nil
	}

	_, _, err := session.Retrieve("/missing")

	var replyErr *ReplyError
	s.Require().ErrorAs(err, &replyErr)
	s.Equal(550, replyErr.Reply.Code)
}

func (s *SessionTestSuite) TestParseEPSV() {
	port, err := parseEPSV("Entering Extended Passive Mode (|||6446|)")
	s.Require().NoError(err)
	s.Equal(uint16(6446), port)

	_, err = parseEPSV("no address here")
	s.Error(err)
}

func (s *SessionTestSuite) TestParsePASV() {
	host, port, err := parsePASV("Entering Passive Mode (192,168,1,2,4,1)")
	s.Require().NoError(err)
	s.Equal("192.168.1.2", host)
	s.Equal(uint16(1025), port)

	_, _, err = parsePASV("Entering Passive Mode (1,2,3)")
	s.Error(err)
	_, _, err = parsePASV("Entering Passive Mode (1,2,3,4,5,999)")
	s.Error(err)
}
