package event

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/byte4byte/b4b/internal/event/detection"
)

// attributionKeys are query parameters worth keeping for offline labeling:
// paid clicks attract a different kind of bot.
var attributionKeys = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "utm_id",
	"gclid", "gbraid", "wbraid", "fbclid", "msclkid",
	"ttclid", "li_fat_id", "epik", "twclid", "dclid",
}

// Enrich fills the server-side fields from r. page is the URL the visitor
// was on when the request came from a script callback; it falls back to
// the Referer header. The analyzer may be nil.
func Enrich(ctx context.Context, r *http.Request, e *Event, a *detection.Analyzer, page string, body []byte) {
	e.Server.Host = r.Host
	e.Server.Method = r.Method
	if r.URL != nil {
		e.Server.Path = r.URL.Path
	}
	e.Server.Referrer = r.Referer()
	if page == "" {
		page = e.Server.Referrer
	}
	e.Server.Attribution = attribution(page)

	if a != nil {
		e.Server.Detection = a.Analyze(ctx, r, e.Ray.IP, body)
	}
}

func attribution(page string) map[string]string {
	if page == "" {
		return nil
	}
	u, err := url.Parse(page)
	if err != nil {
		return nil
	}
	q := u.Query()
	var out map[string]string
	for _, k := range attributionKeys {
		if v := strings.TrimSpace(q.Get(k)); v != "" {
			if out == nil {
				out = map[string]string{}
			}
			out[k] = v
		}
	}
	return out
}
