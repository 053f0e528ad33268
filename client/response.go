package client

import (
	"net/url"

	"fetchstack/httpmsg"
	"fetchstack/lib/buffer"
)

// Visit is one hop of the redirect history.
type Visit struct {
	URL  string
	Code int
}

// Response is the outcome of one logical request. It is immutable once
// returned to the caller.
type Response struct {
	// Status is the final status line.
	Status httpmsg.StatusLine

	// Header holds the final response's fields, insertion order
	// preserved, lookup case-insensitive.
	Header *httpmsg.Header

	// Body holds the decoded body.
	Body *buffer.Buffer

	// History lists the prior (uri, status) hops, oldest first.
	History []Visit

	// URL is the final request URI after redirects.
	URL *url.URL
}

func (r *Response) Code() int { return r.Status.Code }

// BodyBytes materializes the body as one contiguous slice.
func (r *Response) BodyBytes() []byte { return r.Body.Data() }

// RequestError reports a protocol-level policy violation: header section too
// large, decoded body too large, or an unsupported method/scheme
// combination.
type RequestError struct {
	Reason string
}

func (e *RequestError) Error() string { return "request failed: " + e.Reason }
