package ray

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"time"
)

// Headers set by the TLS-terminating front proxy.
const (
	HeaderForwardedFor   = "X-Forwarded-For"
	HeaderRealIP         = "X-Real-Ip"
	HeaderJA4Fingerprint = "X-Ja4-Fingerprint"
	HeaderJA4App         = "X-Ja4-App"
	HeaderJA4Raw         = "X-Ja4-Raw"
)

// AppHeaders are consumed by the gateway and never forwarded to origins.
var AppHeaders = []string{HeaderForwardedFor, HeaderRealIP, HeaderJA4Fingerprint, HeaderJA4App, HeaderJA4Raw}

// ClientIP returns the first X-Forwarded-For entry when the front proxy is
// trusted, otherwise the connection address without port.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get(HeaderForwardedFor); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
		if xri := r.Header.Get(HeaderRealIP); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	return stripPort(r.RemoteAddr)
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}

// FactsFromRequest extracts the identity signals of r.
func FactsFromRequest(r *http.Request, trustProxy bool) Facts {
	return Facts{
		IP:             ClientIP(r, trustProxy),
		UserAgent:      r.Header.Get("User-Agent"),
		JA4Fingerprint: r.Header.Get(HeaderJA4Fingerprint),
		JA4App:         r.Header.Get(HeaderJA4App),
		JA4Raw:         r.Header.Get(HeaderJA4Raw),
	}
}

// CookieCodec reads and writes the session cookie. With a secret the value
// is "<id>~<hmac>" and tampered values are rejected.
type CookieCodec struct {
	Name   string
	MaxAge time.Duration
	Secure bool
	secret []byte
}

// NewCookieCodec creates the session cookie codec. A non-empty secret
// signs cookie values.
func NewCookieCodec(name, secret string, maxAge time.Duration, secure bool) CookieCodec {
	return CookieCodec{Name: name, MaxAge: maxAge, Secure: secure, secret: []byte(secret)}
}

func (c CookieCodec) sign(id string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte("ray:" + id))
	return hex.EncodeToString(mac.Sum(nil))
}

// Encode returns the cookie value for id.
func (c CookieCodec) Encode(id string) string {
	if len(c.secret) == 0 {
		return id
	}
	return id + "~" + c.sign(id)
}

// Decode returns the session id of a cookie value, or "" when the value is
// unsigned or forged while a secret is configured.
func (c CookieCodec) Decode(value string) string {
	if len(c.secret) == 0 {
		return value
	}
	id, sig, ok := strings.Cut(value, "~")
	if !ok || !hmac.Equal([]byte(sig), []byte(c.sign(id))) {
		return ""
	}
	return id
}

// Read returns the raw cookie value and the session id it carries.
func (c CookieCodec) Read(r *http.Request) (raw, id string) {
	ck, err := r.Cookie(c.Name)
	if err != nil {
		return "", ""
	}
	return ck.Value, c.Decode(ck.Value)
}

// Cookie builds the Set-Cookie for id.
func (c CookieCodec) Cookie(id string) *http.Cookie {
	return &http.Cookie{
		Name:     c.Name,
		Value:    c.Encode(id),
		Path:     "/",
		MaxAge:   int(c.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
