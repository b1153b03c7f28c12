package detection

// Signals is the raw server-side evidence attached to gateway events. It
// carries no verdict; the verifier and the scoring tables decide.
type Signals struct {
	HeaderFingerprint string         `json:"header_fingerprint"`
	Headers           HeaderAnalysis `json:"header_analysis"`
	Request           RequestInfo    `json:"request_analysis"`
	Timing            TimingAnalysis `json:"timing_analysis"`
}

// HeaderAnalysis contains header-based signals.
type HeaderAnalysis struct {
	MissingExpected    []string `json:"missing_expected"`
	AutomationHeaders  []string `json:"automation_headers"`
	InconsistentValues []string `json:"inconsistent_values"`
	HeaderOrder        []string `json:"header_order"`
	HeaderCount        int      `json:"header_count"`
}

// RequestInfo describes the request body and User-Agent.
type RequestInfo struct {
	PayloadEntropy float64    `json:"payload_entropy"`
	RequestSize    int        `json:"request_size"`
	UserAgent      UAAnalysis `json:"user_agent_analysis"`
}

// UAAnalysis contains user-agent string analysis.
type UAAnalysis struct {
	Length             int      `json:"length"`
	ContainsAutomation bool     `json:"contains_automation"`
	AutomationKeywords []string `json:"automation_keywords"`
	Platform           string   `json:"platform"`
	Browser            string   `json:"browser"`
}

// TimingAnalysis describes the gap since the previous request from the
// same address.
type TimingAnalysis struct {
	RequestInterval    float64 `json:"request_interval_ms"`
	IntervalPrecision  int     `json:"interval_precision"`
	RequestsPerSecond  float64 `json:"requests_per_second"`
	HasPreviousRequest bool    `json:"has_previous_request"`
}
