package detection

import (
	"math"
	"strings"
)

var uaAutomationKeywords = []string{
	"headless", "selenium", "webdriver", "puppeteer",
	"playwright", "phantom", "jsdom", "nightmare",
	"chrome-headless", "automated", "bot", "crawler",
}

func analyzeUserAgent(ua string) UAAnalysis {
	a := UAAnalysis{Length: len(ua), AutomationKeywords: []string{}}
	lower := strings.ToLower(ua)
	for _, kw := range uaAutomationKeywords {
		if strings.Contains(lower, kw) {
			a.ContainsAutomation = true
			a.AutomationKeywords = append(a.AutomationKeywords, kw)
		}
	}
	a.Platform = platform(lower)
	a.Browser = browser(lower)
	return a
}

// platform checks mobile first since iOS UAs also mention Mac OS X.
func platform(ua string) string {
	switch {
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad"):
		return "iOS"
	case strings.Contains(ua, "android"):
		return "Android"
	case strings.Contains(ua, "windows"):
		return "Windows"
	case strings.Contains(ua, "mac"):
		return "macOS"
	case strings.Contains(ua, "linux"):
		return "Linux"
	}
	return ""
}

func browser(ua string) string {
	switch {
	case strings.Contains(ua, "edg/") || strings.Contains(ua, "edge"):
		return "Edge"
	case strings.Contains(ua, "firefox"):
		return "Firefox"
	case strings.Contains(ua, "chrome"):
		return "Chrome"
	case strings.Contains(ua, "safari"):
		return "Safari"
	}
	return ""
}

// entropy is the Shannon entropy of data in bits per byte. Sealed
// telemetry is base64, so values far below 6 indicate a forged body.
func entropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var freq [256]int
	for _, b := range data {
		freq[b]++
	}
	e, n := 0.0, float64(len(data))
	for _, c := range freq {
		if c > 0 {
			p := float64(c) / n
			e -= p * math.Log2(p)
		}
	}
	return e
}
