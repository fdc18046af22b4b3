package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIPFromRequest(t *testing.T) {
	cases := []struct {
		remoteAddr string
		want       string
	}{
		{"203.0.113.7:54321", "203.0.113.7"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"203.0.113.7", "203.0.113.7"},
	}

	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tc.remoteAddr
		if got := IPFromRequest(r); got != tc.want {
			t.Errorf("IPFromRequest(%q) = %q, want %q", tc.remoteAddr, got, tc.want)
		}
	}
}

func TestMiddlewareMintsAndKeepsDeviceID(t *testing.T) {
	var seen string
	h := Middleware(true)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = DeviceIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if !isValidDeviceID(seen) {
		t.Fatalf("minted device id %q does not match expected form", seen)
	}

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == DeviceCookieName {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value != seen {
		t.Fatalf("cookie = %+v, want value %q", cookie, seen)
	}

	// A returning client keeps its id.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got := seen; got != cookie.Value {
		t.Errorf("returning device id = %q, want %q", got, cookie.Value)
	}
}
