package session

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionAbsorbIsValueSemantics(t *testing.T) {
	t.Parallel()

	empty := Session{}
	first := empty.Absorb(http.Header{"Set-Cookie": {"JSESSIONID=abc; Path=/; HttpOnly", "TS01=zz"}})
	require.Empty(t, empty.Cookies)
	require.Equal(t, map[string]string{"JSESSIONID": "abc", "TS01": "zz"}, first.Cookies)

	second := first.Absorb(http.Header{"Set-Cookie": {"JSESSIONID=def"}})
	require.Equal(t, "abc", first.Cookies["JSESSIONID"])
	require.Equal(t, "def", second.Cookies["JSESSIONID"])
}

func TestSessionAbsorbSkipsEmptyValues(t *testing.T) {
	t.Parallel()

	s := Session{}.Absorb(http.Header{"Set-Cookie": {"gone=; Max-Age=0", "keep=1"}})
	require.Equal(t, map[string]string{"keep": "1"}, s.Cookies)
}

func TestSessionCookieHeaderSorted(t *testing.T) {
	t.Parallel()

	s := Session{Cookies: map[string]string{"b": "2", "a": "1"}}
	require.Equal(t, "a=1; b=2", s.CookieHeader())
	require.Empty(t, Session{}.CookieHeader())
}
