package detection

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

var automationKeywords = []string{"headless", "selenium", "webdriver", "puppeteer", "playwright"}

// Headers whose mere presence indicates tooling, and those that are
// suspicious only with certain values.
var automationIndicators = map[string][]string{
	"X-Requested-With": {"xmlhttprequest"},
	"Purpose":          {"prefetch"},
	"X-Purpose":        {"preview"},
	"Chrome-Proxy":     nil,
	"X-Devtools-Emulate-Network-Conditions-Client-Id": nil,
}

var expectedHeaders = []string{"User-Agent", "Accept", "Accept-Language", "Accept-Encoding"}

// ignored are set by the front proxy or the gateway itself and say nothing
// about the client.
func ignored(name string, skip map[string]bool) bool {
	return skip[http.CanonicalHeaderKey(name)]
}

func analyzeHeaders(h http.Header, skip map[string]bool) HeaderAnalysis {
	a := HeaderAnalysis{
		MissingExpected:    []string{},
		AutomationHeaders:  []string{},
		InconsistentValues: []string{},
		HeaderOrder:        []string{},
	}
	for name := range h {
		if ignored(name, skip) {
			continue
		}
		a.HeaderOrder = append(a.HeaderOrder, strings.ToLower(name))
	}
	sort.Strings(a.HeaderOrder)
	a.HeaderCount = len(a.HeaderOrder)

	a.AutomationHeaders = automationHeaders(h, skip)
	for _, name := range expectedHeaders {
		if h.Get(name) == "" {
			a.MissingExpected = append(a.MissingExpected, name)
		}
	}
	if ua, lang := h.Get("User-Agent"), h.Get("Accept-Language"); ua != "" && lang != "" && languageMismatch(ua, lang) {
		a.InconsistentValues = append(a.InconsistentValues, "language-ua-mismatch")
	}
	return a
}

func automationHeaders(h http.Header, skip map[string]bool) []string {
	found := []string{}
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if ignored(name, skip) {
			continue
		}
	values:
		for _, v := range h[name] {
			lower := strings.ToLower(v)
			for _, kw := range automationKeywords {
				if strings.Contains(lower, kw) {
					found = append(found, fmt.Sprintf("%s: %s", name, v))
					break values
				}
			}
		}
	}

	indicators := make([]string, 0, len(automationIndicators))
	for name := range automationIndicators {
		indicators = append(indicators, name)
	}
	sort.Strings(indicators)
	for _, name := range indicators {
		v := h.Get(name)
		if v == "" {
			continue
		}
		values := automationIndicators[name]
		if len(values) == 0 {
			found = append(found, fmt.Sprintf("%s: %s", name, v))
			continue
		}
		lower := strings.ToLower(v)
		for _, s := range values {
			if strings.Contains(lower, s) {
				found = append(found, fmt.Sprintf("%s: %s", name, v))
				break
			}
		}
	}
	return found
}

// languageMismatch flags a locale tag in the UA that Accept-Language
// does not carry. Full tags only: a bare "ko" matches "Gecko".
func languageMismatch(ua, lang string) bool {
	ua, lang = strings.ToLower(ua), strings.ToLower(lang)
	for _, pair := range [][2]string{{"zh-cn", "zh"}, {"ja-jp", "ja"}, {"ko-kr", "ko"}} {
		if strings.Contains(ua, pair[0]) && !strings.Contains(lang, pair[1]) {
			return true
		}
	}
	return false
}

// headerFingerprint hashes header names with truncated values. It is
// stable for a given client build and header order independent.
func headerFingerprint(h http.Header, skip map[string]bool) string {
	keys := make([]string, 0, len(h))
	for name := range h {
		if !ignored(name, skip) {
			keys = append(keys, name)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return strings.ToLower(keys[i]) < strings.ToLower(keys[j]) })

	parts := make([]string, len(keys))
	for i, name := range keys {
		v := h.Get(name)
		if len(v) > 20 {
			v = v[:20] + "..."
		}
		parts[i] = strings.ToLower(name) + ":" + v
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:8])
}
