package client

import (
	"strconv"
	"strings"

	"fetchstack/ftp"
	"fetchstack/httpmsg"
	"fetchstack/lib/buffer"
)

// doFTP maps a request on the ftp scheme onto a control-channel session:
// GET retrieves, PUT stores, everything else is rejected.
func (c *Client) doFTP(req *Request) (*Response, error) {
	host := strings.ToLower(req.URL.Hostname())
	port := uint16(21)
	if raw := req.URL.Port(); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return nil, &RequestError{Reason: "invalid port " + raw}
		}
		port = uint16(parsed)
	}

	switch req.Method {
	case "GET", "PUT":
	default:
		return nil, &RequestError{Reason: "method " + req.Method + " unsupported on ftp"}
	}
	if req.Method == "PUT" && req.Body == nil {
		return nil, &RequestError{Reason: "ftp upload requires a body"}
	}

	user, pass := "anonymous", "anonymous"
	if req.URL.User != nil {
		user = req.URL.User.Username()
		if p, ok := req.URL.User.Password(); ok {
			pass = p
		}
	}

	session, err := ftp.Dial(host, port, c.opts.Timeout, c.logger)
	if err != nil {
		return nil, err
	}
	defer session.Quit()

	if err := session.Login(user, pass); err != nil {
		return nil, err
	}
	if err := session.Binary(); err != nil {
		return nil, err
	}

	path := req.URL.Path
	if path == "" {
		path = "/"
	}

	var (
		body  *buffer.Buffer
		reply ftp.Reply
	)
	switch req.Method {
	case "GET":
		body, reply, err = session.Retrieve(path)
	case "PUT":
		var next func() ([]byte, error)
		next, err = req.Body.Chunks()
		if err != nil {
			return nil, &RequestError{Reason: "request body cannot be replayed"}
		}
		reply, err = session.Store(path, next)
		body = buffer.New()
	}
	if err != nil {
		return nil, err
	}

	// The response status carries the FTP transfer-completion reply.
	return &Response{
		Status: httpmsg.StatusLine{Proto: "FTP", Code: reply.Code, Reason: reply.Text},
		Header: httpmsg.NewHeader(),
		Body:   body,
		URL:    req.URL,
	}, nil
}
