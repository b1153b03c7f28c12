package httpx

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/byte4byte/b4b/internal/ray"
)

// HeaderClientIP carries the attributed client address to origins.
const HeaderClientIP = "X-Byte4byte-Ip"

var ErrBadOrigin = errors.New("httpx: invalid origin url")

// hopHeaders are connection-scoped and never forwarded in either direction.
var hopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// droppedResponseHeaders are recomputed by the gateway.
var droppedResponseHeaders = []string{"Content-Encoding", "Set-Cookie", "Server", "Content-Length"}

// Origin forwards requests to one upstream.
type Origin struct {
	base   *url.URL
	client *http.Client
}

// NewOrigin builds an origin client. Redirects are passed back to the
// visitor rather than followed.
func NewOrigin(raw string, timeout time.Duration, insecure bool) (*Origin, error) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrBadOrigin, raw)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed origins
	}
	// Accept-Encoding is pinned, so the transport must not negotiate gzip
	// on its own.
	transport.DisableCompression = true
	return &Origin{
		base: u,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// Host is the origin's host[:port].
func (o *Origin) Host() string { return o.base.Host }

// target joins the origin base with the request path and query.
func (o *Origin) target(r *http.Request) string {
	u := *o.base
	u.Path = strings.TrimSuffix(o.base.Path, "/") + r.URL.Path
	u.RawPath = ""
	if r.URL.RawPath != "" {
		u.RawPath = strings.TrimSuffix(o.base.EscapedPath(), "/") + r.URL.RawPath
	}
	u.RawQuery = r.URL.RawQuery
	return u.String()
}

// Do forwards r. The gateway's own headers and cookie are stripped and the
// client address is passed as X-Byte4byte-Ip.
func (o *Origin) Do(ctx context.Context, r *http.Request, clientIP, cookieName string) (*http.Response, error) {
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody {
		body = r.Body
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, o.target(r), body)
	if err != nil {
		return nil, fmt.Errorf("httpx: build origin request: %w", err)
	}
	out.ContentLength = r.ContentLength
	out.Header = outboundHeaders(r, cookieName)
	out.Header.Set(HeaderClientIP, clientIP)
	out.Header.Set("Accept-Encoding", "identity")

	resp, err := o.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("httpx: origin %s: %w", o.base.Host, err)
	}
	return resp, nil
}

func removeHopHeaders(h http.Header) {
	for _, f := range h.Values("Connection") {
		for _, name := range strings.Split(f, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

func outboundHeaders(r *http.Request, cookieName string) http.Header {
	h := r.Header.Clone()
	removeHopHeaders(h)
	for _, name := range ray.AppHeaders {
		h.Del(name)
	}
	h.Del(HeaderClientIP)

	h.Del("Cookie")
	var kept []string
	for _, c := range r.Cookies() {
		if c.Name != cookieName {
			kept = append(kept, c.Name+"="+c.Value)
		}
	}
	if len(kept) > 0 {
		h.Set("Cookie", strings.Join(kept, "; "))
	}
	return h
}

// copyResponseHeaders copies upstream headers to dst without the ones the
// gateway rewrites, then re-adds every Set-Cookie individually.
func copyResponseHeaders(dst, src http.Header) {
	h := src.Clone()
	removeHopHeaders(h)
	for _, name := range droppedResponseHeaders {
		h.Del(name)
	}
	for k, vv := range h {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, c := range src.Values("Set-Cookie") {
		dst.Add("Set-Cookie", c)
	}
}

// isHTML checks the response content type case-insensitively.
func isHTML(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "" {
		return false
	}
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

var (
	bodyClose = regexp.MustCompile(`(?i)</body\s*>`)
	htmlClose = regexp.MustCompile(`(?i)</html\s*>`)
)

// injectScript adds a script tag for filename before the last </body>,
// else before the last </html>, else at the end.
func injectScript(body []byte, filename string) []byte {
	tag := []byte(`<script src="/` + filename + `"></script>`)
	for _, re := range []*regexp.Regexp{bodyClose, htmlClose} {
		locs := re.FindAllIndex(body, -1)
		if len(locs) == 0 {
			continue
		}
		at := locs[len(locs)-1][0]
		out := make([]byte, 0, len(body)+len(tag))
		out = append(out, body[:at]...)
		out = append(out, tag...)
		return append(out, body[at:]...)
	}
	return bytes.Join([][]byte{body, tag}, nil)
}

// writeUpstream sends resp to w with body as its content.
func writeUpstream(w http.ResponseWriter, resp *http.Response, body []byte) {
	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(body)
}

// streamUpstream copies resp to w without buffering.
func streamUpstream(w http.ResponseWriter, resp *http.Response) error {
	copyResponseHeaders(w.Header(), resp.Header)
	if resp.ContentLength >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	w.WriteHeader(resp.StatusCode)
	_, err := io.Copy(w, resp.Body)
	return err
}
