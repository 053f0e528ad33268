package client

import (
	"testing"

	"fetchstack/httpmsg"

	"github.com/stretchr/testify/assert"
)

func TestCookieJar(t *testing.T) {
	jar := newCookieJar()
	assert.Empty(t, jar.replay("example.com"))

	header := httpmsg.NewHeader()
	header.Add("Set-Cookie", "sid=abc; Path=/; HttpOnly")
	header.Add("Set-Cookie", "theme=dark")
	header.Add("Set-Cookie", "malformed")

	jar.storeFrom("example.com", header)
	assert.Equal(t, "sid=abc; theme=dark", jar.replay("example.com"))
	assert.Empty(t, jar.replay("other.com"), "cookies do not cross hosts")

	update := httpmsg.NewHeader()
	update.Add("Set-Cookie", "sid=xyz")
	jar.storeFrom("example.com", update)
	assert.Equal(t, "sid=xyz; theme=dark", jar.replay("example.com"))
}
