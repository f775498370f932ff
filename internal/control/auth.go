package control

import (
	"crypto/subtle"
	"encoding/base64"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// authenticator checks the control token carried by a request. An empty
// configured token matches nothing.
type authenticator struct {
	token []byte
}

func newAuthenticator(token string) authenticator {
	return authenticator{token: []byte(strings.TrimSpace(token))}
}

func (a authenticator) matches(candidate string) bool {
	if len(a.token) == 0 || candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), a.token) == 1
}

// allow accepts an Authorization bearer header. Browsers cannot set headers on
// websocket upgrades, so with viaSubprotocol the token may instead arrive as a
// base64url subprotocol prefixed with wsTokenPrefix. A bearer header, when
// present, is final.
func (a authenticator) allow(r *http.Request, viaSubprotocol bool) bool {
	if bearer, found := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); found {
		return a.matches(strings.TrimSpace(bearer))
	}
	if !viaSubprotocol {
		return false
	}
	for _, proto := range websocket.Subprotocols(r) {
		encoded, found := strings.CutPrefix(proto, wsTokenPrefix)
		if !found || encoded == "" {
			continue
		}
		if raw, err := base64.RawURLEncoding.DecodeString(encoded); err == nil && a.matches(string(raw)) {
			return true
		}
	}
	return false
}

// sameOrigin lets non-browser clients (no Origin header) through and pins
// browsers to the host they connected to.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host != "" && strings.EqualFold(u.Host, r.Host)
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
