package auth

import (
	"net/http"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJarRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cookies.jar")

	jar := NewCookieJar()
	jar.Set("auth-token", "abc123")
	jar.Set("unique_id", "device-1")
	require.NoError(t, jar.Save(path))

	loaded := NewCookieJar()
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, "abc123", loaded.Get("auth-token"))
	assert.Equal(t, "device-1", loaded.Get("unique_id"))
	assert.Equal(t, 2, loaded.Len())
}

func TestSetUpdatesInPlace(t *testing.T) {
	jar := NewCookieJar()
	jar.Set("auth-token", "old")
	jar.Set("auth-token", "new")

	assert.Equal(t, "new", jar.Get("auth-token"))
	assert.Equal(t, 1, jar.Len())
}

func TestHTTPCookieJarInterface(t *testing.T) {
	jar := NewCookieJar()
	u, _ := url.Parse("https://gql.twitch.tv/gql")

	jar.SetCookies(u, []*http.Cookie{
		{Name: "session", Value: "s1", Domain: ".twitch.tv"},
	})

	got := jar.Cookies(u)
	require.Len(t, got, 1)
	assert.Equal(t, "session", got[0].Name)

	// Unrelated hosts see nothing.
	other, _ := url.Parse("https://example.com/")
	assert.Empty(t, jar.Cookies(other))
}

func TestExpiredCookiesAreDropped(t *testing.T) {
	jar := NewCookieJar()
	u, _ := url.Parse("https://www.twitch.tv/")

	jar.SetCookies(u, []*http.Cookie{
		{Name: "fresh", Value: "v", Domain: ".twitch.tv", Expires: time.Now().Add(time.Hour)},
		{Name: "stale", Value: "v", Domain: ".twitch.tv", Expires: time.Now().Add(-time.Hour)},
	})

	got := jar.Cookies(u)
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].Name)
}

func TestGenerateHelpers(t *testing.T) {
	id := generateDeviceID()
	assert.Len(t, id, 32)

	hexStr := GenerateHex(16)
	assert.Len(t, hexStr, 32)
	assert.NotEqual(t, hexStr, GenerateHex(16))
}
