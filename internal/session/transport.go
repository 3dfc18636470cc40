// Package session carries tokens between the server and the browser as
// http-only cookies.
package session

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/institute-cms/internal/token"
)

// Cookie names read by the frontend and the route guard.
const (
	AccessCookie  = "accessToken"
	RefreshCookie = "refreshToken"
)

// Transport sets, reads and clears the session cookie pair.
type Transport struct {
	Secure bool
	Domain string
	now    func() time.Time
}

func NewTransport(secure bool, domain string) *Transport {
	return &Transport{Secure: secure, Domain: strings.TrimSpace(domain), now: time.Now}
}

// Attach writes both cookies of a freshly minted pair.
func (t *Transport) Attach(c echo.Context, pair token.Pair) {
	c.SetCookie(t.newCookie(AccessCookie, pair.Access.Raw, t.maxAge(pair.Access.ExpiresAt)))
	c.SetCookie(t.newCookie(RefreshCookie, pair.Refresh.Raw, t.maxAge(pair.Refresh.ExpiresAt)))
}

// AttachAccess replaces only the access cookie, after a refresh.
func (t *Transport) AttachAccess(c echo.Context, access token.Token) {
	c.SetCookie(t.newCookie(AccessCookie, access.Raw, t.maxAge(access.ExpiresAt)))
}

// Clear expires both cookies. The browser only drops a cookie whose name,
// path and domain match the one it stored, so clearing goes through the same
// builder as Attach.
func (t *Transport) Clear(c echo.Context) {
	c.SetCookie(t.newCookie(AccessCookie, "", -1))
	c.SetCookie(t.newCookie(RefreshCookie, "", -1))
}

// AccessFromRequest returns the access cookie value, or "".
func (t *Transport) AccessFromRequest(c echo.Context) string { return cookieValue(c, AccessCookie) }

// RefreshFromRequest returns the refresh cookie value, or "".
func (t *Transport) RefreshFromRequest(c echo.Context) string { return cookieValue(c, RefreshCookie) }

func (t *Transport) newCookie(name, value string, maxAge int) *http.Cookie {
	ck := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   t.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   t.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	if maxAge < 0 {
		ck.Expires = time.Unix(0, 0)
	}
	return ck
}

func (t *Transport) maxAge(exp time.Time) int {
	now := time.Now
	if t.now != nil {
		now = t.now
	}
	secs := int(exp.Sub(now()).Seconds())
	if secs < 1 {
		// MaxAge 0 means a session cookie; keep it short-lived instead.
		secs = 1
	}
	return secs
}

func cookieValue(c echo.Context, name string) string {
	ck, err := c.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(ck.Value)
}
