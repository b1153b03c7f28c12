package ray

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
)

// Rules are the static signatures the classifier matches.
type Rules struct {
	// BotSuffixes mark a JA4 application label as a known automation
	// client.
	BotSuffixes []string
	// Keywords are matched case-sensitively against the User-Agent when no
	// JA4 label is available.
	Keywords []string
}

// DefaultRules returns the built-in signatures.
func DefaultRules() Rules {
	return Rules{
		BotSuffixes: []string{"_bot", "_crawler", "_scanner", "_headless", "_automation"},
		Keywords: []string{
			"golang", "wget", "curl", "go-http-client", "Go-http-client", "apache-httpclient",
			"Apache-HttpClient", "java", "Java", "perl", "python", "Python", "openssl",
			"headless", "Headless", "cypress", "mechanicalsoup", "grpc-go", "okhttp",
			"httpx", "httpcore", "aiohttp", "httputil", "urllib", "guzzle", "axios",
			"ruby", "zend_http_client", "wordpress", "WordPress", "symfony",
			"httpclient", "cpp-httplib", "ngrok", "malware", "httprequest",
			"scan", "scanner", "nessus", "metasploit", "zgrab", "zmap", "nmap",
			"research", "inspect",
			"bot", "Bot", "mastodon", "https://", "http://", "whatsapp", "WhatsApp",
			"twitter", "Twitter", "facebook", "chatgpt", "telegram", "crawler",
			"Crawler", "colly", "phpcrawl", "nutch", "spider", "Spider", "scrapy",
			"elinks", "imageVacuum", "apify", "chrome-lighthouse", "Chrome-Lighthouse",
			"adsdefender", "baidu", "Baidu", "yandex", "Yandex", "duckduckgo",
			"DuckDuckGo", "google", "Google", "yahoo", "Yahoo", "bing", "Bing",
			"microsoftpreview", "Mozilla/4.", "Mozilla/3.", "Mozilla/2.",
		},
	}
}

// MaskJA4 blanks the two characters after the protocol and version
// prefix and drops everything past the cipher hash, so benign ALPN or
// extension-order changes do not count as drift.
func MaskJA4(fp string) string {
	head := fp
	if len(head) > 6 {
		head = head[:6]
	}
	tail := ""
	if len(fp) > 8 {
		tail = fp[8:min(len(fp), 23)]
	}
	return head + "XX" + tail
}

// AppAccuracy is the fraction of "_"-separated tokens of app that appear
// verbatim in ua.
func AppAccuracy(ua, app string) float64 {
	tokens := strings.Split(app, "_")
	hits := 0
	for _, t := range tokens {
		if strings.Contains(ua, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(tokens))
}

// Verifier runs the per-request state machine for one group.
type Verifier struct {
	group *Group
	rules Rules
}

// NewVerifier creates a Verifier applying rules to sessions of g.
func NewVerifier(g *Group, rules Rules) *Verifier {
	return &Verifier{group: g, rules: rules}
}

func (v *Verifier) Group() *Group { return v.group }

// Verify updates r.Status from the whitelist, identity continuity and the
// static classifier, persists the session and returns the new status. An
// unparseable client IP is the only error that is not a store failure.
// In an Observe group verdicts are only logged and labelled.
func (v *Verifier) Verify(ctx context.Context, r *Ray) (Status, error) {
	r.VerifyLogs = nil
	was := r.Status

	addr, err := netip.ParseAddr(r.Facts.IP)
	if err != nil {
		return r.Status, fmt.Errorf("%w: %q", ErrInvalidIP, r.Facts.IP)
	}

	if v.group.Whitelisted(addr) {
		r.Status = Verified
		r.Logf("IP in whitelist")
		return v.persist(ctx, r, was)
	}

	if p := r.Prior; p != nil {
		if p.IP != r.Facts.IP || p.UserAgent != r.Facts.UserAgent {
			r.Status = Unverified
			r.Logf("Request IP or user agent changed")
		}
		if MaskJA4(p.JA4Fingerprint) != MaskJA4(r.Facts.JA4Fingerprint) {
			r.Status = Unverified
			r.Logf("Request JA4 fingerprint changed")
		}
	}

	if r.Facts.UserAgent == "" {
		r.Status = Blocked
		r.Logf("User agent is absent")
		return v.persist(ctx, r, was)
	}

	if r.Status.Pending() {
		v.classify(r)
	}
	if r.Status == Unverified {
		r.Status = FullJSChallenge
		r.Logf("Unclassified session defaults to full JS challenge")
	}

	return v.persist(ctx, r, was)
}

// persist applies the group mode and saves r. A session entering
// js_challenge starts with fresh inject counters.
func (v *Verifier) persist(ctx context.Context, r *Ray, was Status) (Status, error) {
	if v.group.Mode() == Observe {
		switch r.Status {
		case Blocked:
			r.RequestType = RequestBot
			fallthrough
		case FullJSChallenge:
			r.Logf("Observe mode: %s not enforced", r.Status)
			r.Status = JSChallenge
		}
	}
	if r.Status == JSChallenge && was != JSChallenge {
		r.InjectMissed = 0
		r.InjectCompleted = false
	}
	return r.Status, v.group.Save(ctx, r)
}

func (v *Verifier) classify(r *Ray) {
	ua, app := r.Facts.UserAgent, r.Facts.JA4App
	if app != "" {
		for _, suffix := range v.rules.BotSuffixes {
			if strings.HasSuffix(app, suffix) {
				r.Status = Blocked
				r.Logf("Bot detected by JA4 application %q", app)
				return
			}
		}
		acc := AppAccuracy(ua, app)
		r.AppAccuracy = &acc
		switch {
		case acc < 0.3:
			r.Status = Blocked
			r.Logf("Low JA4 application accuracy %.2f", acc)
		case acc < 0.7:
			r.Status = FullJSChallenge
			r.Logf("Medium JA4 application accuracy %.2f", acc)
		default:
			r.Status = JSChallenge
			r.Logf("Normal JA4 application accuracy %.2f", acc)
		}
		return
	}

	for _, word := range v.rules.Keywords {
		if strings.Contains(ua, word) {
			r.Status = Blocked
			r.Logf("Bot keyword %q in user agent", word)
			return
		}
	}
	r.Status = FullJSChallenge
	r.Logf("No JA4 application and no bot keyword")
}
