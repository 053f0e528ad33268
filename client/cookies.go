package client

import (
	"strings"
	"sync"

	"fetchstack/httpmsg"
)

// cookieJar is a plain store-and-replay jar keyed by host. It applies no
// domain, path or expiry policy.
type cookieJar struct {
	mu    sync.Mutex
	store map[string][]cookie
}

type cookie struct {
	name  string
	value string
}

func newCookieJar() *cookieJar {
	return &cookieJar{store: make(map[string][]cookie)}
}

// storeFrom records every Set-Cookie name=value pair of a response.
// Attributes after the first ';' are ignored.
func (j *cookieJar) storeFrom(host string, header *httpmsg.Header) {
	for _, raw := range header.Values("Set-Cookie") {
		pair, _, _ := strings.Cut(raw, ";")
		name, value, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}

		j.mu.Lock()
		j.store[host] = upsert(j.store[host], cookie{
			name:  name,
			value: strings.TrimSpace(value),
		})
		j.mu.Unlock()
	}
}

func upsert(cookies []cookie, c cookie) []cookie {
	for idx := range cookies {
		if cookies[idx].name == c.name {
			cookies[idx] = c
			return cookies
		}
	}
	return append(cookies, c)
}

// replay returns the Cookie header value for host, or "" when none apply.
func (j *cookieJar) replay(host string) string {
	j.mu.Lock()
	defer j.mu.Unlock()

	cookies := j.store[host]
	if len(cookies) == 0 {
		return ""
	}

	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.name+"="+c.value)
	}
	return strings.Join(parts, "; ")
}
