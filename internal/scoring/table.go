package scoring

import (
	"errors"
	"fmt"
)

// Signal names as they appear in score logs.
const (
	SignalAutomationVars   = "automation_vars"
	SignalLowCores         = "low_cores"
	SignalVMRenderer       = "vm_renderer"
	SignalWebGLUnavailable = "webgl_unavailable"
	SignalWebdriver        = "webdriver"
	SignalSlowJIT          = "slow_jit"
	SignalHeadlessWindow   = "headless_window"
	SignalNoChrome         = "no_chrome"
	SignalUAMismatch       = "ua_mismatch"
	SignalBatteryAnomaly   = "battery_anomaly"
	SignalNoPlugins        = "no_plugins"
	SignalTamperedToString = "tampered_tostring"
	SignalFewFonts         = "few_fonts"
)

// Weights assigns points to each signal. A zero weight disables it.
type Weights struct {
	AutomationVars   int `yaml:"automation_vars"`
	LowCores         int `yaml:"low_cores"`
	VMRenderer       int `yaml:"vm_renderer"`
	WebGLUnavailable int `yaml:"webgl_unavailable"`
	Webdriver        int `yaml:"webdriver"`
	SlowJIT          int `yaml:"slow_jit"`
	HeadlessWindow   int `yaml:"headless_window"`
	NoChrome         int `yaml:"no_chrome"`
	UAMismatch       int `yaml:"ua_mismatch"`
	BatteryAnomaly   int `yaml:"battery_anomaly"`
	NoPlugins        int `yaml:"no_plugins"`
	TamperedToString int `yaml:"tampered_tostring"`
	FewFonts         int `yaml:"few_fonts"`
}

// Table is one scoring policy.
type Table struct {
	Name      string  `yaml:"-"`
	Threshold int     `yaml:"threshold"`
	Weights   Weights `yaml:"weights"`

	// MaxCores is the highest core count still considered low.
	MaxCores int `yaml:"max_cores"`
	// MaxJITMillis is the slowest acceptable JIT benchmark.
	MaxJITMillis float64 `yaml:"max_jit_ms"`
	// MinFonts is the fewest fonts a real desktop reports.
	MinFonts int `yaml:"min_fonts"`
	// VMRenderers are lowercase substrings of software or virtualised
	// WebGL renderers and vendors.
	VMRenderers []string `yaml:"vm_renderers"`

	// MissingCoresLow counts an absent core count as low.
	MissingCoresLow bool `yaml:"missing_cores_low"`
	// MissingJITSlow counts an absent JIT timing as slow.
	MissingJITSlow bool `yaml:"missing_jit_slow"`
}

// Tables holds the policy per challenge kind.
type Tables struct {
	Full   Table `yaml:"full"`
	Inject Table `yaml:"inject"`
}

var defaultVMRenderers = []string{
	"swiftshader", "llvmpipe", "virtualbox", "vmware",
	"software adapter", "mesa", "microsoft basic render driver",
}

// FullTable is the policy for the blocking interstitial.
func FullTable() Table {
	return Table{
		Name:      "full",
		Threshold: 100,
		Weights: Weights{
			AutomationVars:   100,
			LowCores:         20,
			VMRenderer:       100,
			WebGLUnavailable: 50,
			Webdriver:        90,
			SlowJIT:          20,
			HeadlessWindow:   80,
			NoChrome:         15,
			UAMismatch:       100,
			BatteryAnomaly:   50,
			NoPlugins:        30,
			TamperedToString: 100,
			FewFonts:         30,
		},
		MaxCores:        2,
		MaxJITMillis:    100,
		MinFonts:        3,
		VMRenderers:     append([]string(nil), defaultVMRenderers...),
		MissingCoresLow: true,
		MissingJITSlow:  true,
	}
}

// InjectTable is the policy for the environment snapshot sent by the
// passive script. Absent hardware hints are ignored since the page may
// have been left before they were gathered.
func InjectTable() Table {
	t := FullTable()
	t.Name = "inject"
	t.Weights.WebGLUnavailable = 100
	t.Weights.SlowJIT = 15
	t.Weights.NoChrome = 40
	t.MissingCoresLow = false
	t.MissingJITSlow = false
	return t
}

// DefaultTables returns both canonical policies.
func DefaultTables() Tables {
	return Tables{Full: FullTable(), Inject: InjectTable()}
}

var ErrInvalidTable = errors.New("scoring: invalid table")

// Validate rejects tables that could never or would always flag.
func (t Table) Validate() error {
	if t.Threshold <= 0 {
		return fmt.Errorf("%w: %s threshold must be positive", ErrInvalidTable, t.Name)
	}
	w := t.Weights
	for _, v := range []int{
		w.AutomationVars, w.LowCores, w.VMRenderer, w.WebGLUnavailable, w.Webdriver,
		w.SlowJIT, w.HeadlessWindow, w.NoChrome, w.UAMismatch, w.BatteryAnomaly,
		w.NoPlugins, w.TamperedToString, w.FewFonts,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s has a negative weight", ErrInvalidTable, t.Name)
		}
	}
	return nil
}

func (ts Tables) Validate() error {
	return errors.Join(ts.Full.Validate(), ts.Inject.Validate())
}
