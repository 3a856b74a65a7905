// Package identity recovers and mints the opaque session identifiers that
// give stateless CGI invocations continuity across requests.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultCookieName is the cookie carrying the session identifier.
const DefaultCookieName = "WEBSERV_ID"

// IDBytes is the entropy of a minted identifier; hex doubles its length.
const IDBytes = 16

// FromCookieHeader returns the value of the first cookie called name in a
// Cookie header, or "" when the header or the cookie is absent. Pairs are
// split on ';', each pair on its first '=', and both sides are trimmed.
func FromCookieHeader(header, name string) string {
	if header == "" || name == "" {
		return ""
	}
	for _, pair := range strings.Split(header, ";") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(k) == name {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// Mint returns a new identifier of 32 lowercase hex characters.
func Mint() (string, error) {
	b := make([]byte, IDBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("mint session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Recover returns the identifier from header, minting one when absent.
// minted reports whether the returned id is new.
func Recover(header, name string) (id string, minted bool, err error) {
	if id = FromCookieHeader(header, name); id != "" {
		return id, false, nil
	}
	id, err = Mint()
	return id, err == nil, err
}

// SetCookieValue renders the gateway's Set-Cookie value:
// "NAME=ID; Max-Age=<seconds>; Path=/". Secure and HttpOnly are left to scripts.
func SetCookieValue(name, id string, maxAge time.Duration) string {
	return name + "=" + id + "; Max-Age=" + strconv.Itoa(int(maxAge/time.Second)) + "; Path=/"
}

// AppendCookie adds name=id to an existing Cookie header value.
func AppendCookie(header, name, id string) string {
	if header == "" {
		return name + "=" + id
	}
	return header + "; " + name + "=" + id
}

// SetsCookie reports whether a Set-Cookie value assigns the named cookie.
func SetsCookie(setCookie, name string) bool {
	k, _, ok := strings.Cut(setCookie, "=")
	return ok && strings.TrimSpace(k) == name
}
