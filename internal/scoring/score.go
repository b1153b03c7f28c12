// Package scoring turns challenge telemetry into a bot score and the
// behavioural feature vector fed to the classifier.
package scoring

import (
	"fmt"
	"strings"
)

// LogEntry records one triggered signal.
type LogEntry struct {
	Signal string `json:"signal"`
	Reason string `json:"reason"`
	Weight int    `json:"weight"`
}

// Result is the outcome of Score.
type Result struct {
	Score int        `json:"score"`
	Logs  []LogEntry `json:"logs"`
}

// Bot reports whether the result reaches the table's threshold.
func (r Result) Bot(t Table) bool {
	return r.Score >= t.Threshold
}

// Signals lists the names of the triggered signals.
func (r Result) Signals() []string {
	out := make([]string, len(r.Logs))
	for i, l := range r.Logs {
		out[i] = l.Signal
	}
	return out
}

func (r *Result) add(signal string, weight int, reason string) {
	if weight == 0 {
		return
	}
	r.Score += weight
	r.Logs = append(r.Logs, LogEntry{Signal: signal, Reason: reason, Weight: weight})
}

// Score evaluates telemetry against t. sessionUA is the User-Agent the
// gateway saw on the session; the script reports its own.
func Score(t Table, tel Telemetry, sessionUA string) Result {
	var r Result
	w := t.Weights

	if vars := tel.List("BOTVARS"); len(vars) > 0 {
		r.add(SignalAutomationVars, w.AutomationVars, fmt.Sprintf("Automation variables detected: %v", vars))
	}

	if cores, ok := tel.Number("CORES"); ok {
		if cores <= float64(t.MaxCores) {
			r.add(SignalLowCores, w.LowCores, fmt.Sprintf("Low CPU cores (%g)", cores))
		}
	} else if t.MissingCoresLow {
		r.add(SignalLowCores, w.LowCores, "CPU core count unavailable")
	}

	if webgl, ok := tel.Object("WEBGL"); ok {
		renderer := strings.ToLower(webgl.String("WEBGL_RENDERER"))
		vendor := strings.ToLower(webgl.String("WEBGL_VENDOR"))
		for _, bad := range t.VMRenderers {
			if strings.Contains(renderer, bad) || strings.Contains(vendor, bad) {
				r.add(SignalVMRenderer, w.VMRenderer, "Detected VM/headless renderer: "+renderer)
				break
			}
		}
	} else {
		r.add(SignalWebGLUnavailable, w.WebGLUnavailable, "WebGL is unavailable")
	}

	if wd, ok := tel.Bool("WEBDRIVER"); ok && wd {
		r.add(SignalWebdriver, w.Webdriver, "navigator.webdriver is true")
	}

	if jit, ok := tel.Number("JIT_PERFORMANCE"); ok {
		if jit > t.MaxJITMillis {
			r.add(SignalSlowJIT, w.SlowJIT, fmt.Sprintf("Slow JS execution: %gms", jit))
		}
	} else if t.MissingJITSlow {
		r.add(SignalSlowJIT, w.SlowJIT, "JS execution timing unavailable")
	}

	ow, owOK := tel.Number("SCREEN_OW")
	oh, ohOK := tel.Number("SCREEN_OH")
	if (owOK && ow == 0) || (ohOK && oh == 0) {
		r.add(SignalHeadlessWindow, w.HeadlessWindow, "Window outer dimensions are 0")
	}

	iw, iwOK := tel.Raw("SCREEN_IW")
	owRaw, owRawOK := tel.Raw("SCREEN_OW")
	ih, ihOK := tel.Raw("SCREEN_IH")
	ohRaw, ohRawOK := tel.Raw("SCREEN_OH")
	if equalValues(iw, iwOK, owRaw, owRawOK) && equalValues(ih, ihOK, ohRaw, ohRawOK) {
		r.add(SignalNoChrome, w.NoChrome, "No browser chrome (inner size equals outer size)")
	}

	reported := tel.String("USERAGENT")
	if reported != sessionUA {
		r.add(SignalUAMismatch, w.UAMismatch, "User agent differs from the session")
	}

	if battery, _ := tel.Raw("BATTERY"); battery == "ns" {
		ua := strings.ToLower(reported)
		if strings.Contains(ua, "mobile") || strings.Contains(ua, "android") || strings.Contains(ua, "iphone") {
			r.add(SignalBatteryAnomaly, w.BatteryAnomaly, "Mobile user agent without Battery API")
		}
	}

	if plugins, ok := tel.Number("PLUGINS"); ok && plugins == 0 {
		r.add(SignalNoPlugins, w.NoPlugins, "No browser plugins")
	}

	if native, ok := tel.Bool("IS_NATIVE_TO_STR"); ok && !native {
		r.add(SignalTamperedToString, w.TamperedToString, "Function.prototype.toString was tampered with")
	}

	if fonts := tel.List("FONTS"); len(fonts) < t.MinFonts {
		r.add(SignalFewFonts, w.FewFonts, fmt.Sprintf("Too few system fonts: %d", len(fonts)))
	}

	return r
}
