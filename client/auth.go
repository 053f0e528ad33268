package client

import "encoding/base64"

// Authenticator provides the credential attached to the single retry after
// a 401 response.
type Authenticator interface {
	// Credential returns the Authorization header value.
	Credential() string
}

// BasicAuth implements the Basic scheme.
type BasicAuth struct {
	User     string
	Password string
}

var _ Authenticator = BasicAuth{}

func (a BasicAuth) Credential() string {
	raw := a.User + ":" + a.Password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// BearerAuth carries a ready-made token.
type BearerAuth struct {
	Token string
}

var _ Authenticator = BearerAuth{}

func (a BearerAuth) Credential() string { return "Bearer " + a.Token }
