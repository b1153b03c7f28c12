package challenge

import (
	"embed"
	"errors"
	"fmt"
	"strings"
)

//go:embed templates/*.js
var templates embed.FS

var ErrUnknownKind = errors.New("challenge: unknown kind")

const (
	KindFull   = "full"
	KindInject = "inject"
)

// Variables are the logical telemetry fields every challenge script
// reports. Each artifact renames them with its own key-derived names.
var Variables = []string{
	"CANVAS", "BATTERY", "FONTS", "BOTVARS", "JIT_PERFORMANCE", "WEBDRIVER",
	"PLUGINS", "LANGUAGES", "IS_NATIVE_TO_STR",
	"SCREEN_W", "SCREEN_H", "SCREEN_AW", "SCREEN_AH", "SCREEN_IW", "SCREEN_IH",
	"SCREEN_OW", "SCREEN_OH", "SCREEN_RATIO",
	"BATTERY_LEVEL", "BATTERY_CHARGING", "BATTERY_CHARGING_TIME",
	"WEBGL", "WEBGL_VENDOR", "WEBGL_RENDERER",
	"CORES", "MEMORY", "PLATFORM", "USERAGENT",
}

// Kind is one family of challenge scripts: its field list and source.
type Kind interface {
	Name() string
	Variables() []string
	// Source returns the unrendered script body with {{PLACEHOLDER}} tokens.
	Source() (string, error)
}

type kind struct {
	name  string
	parts []string
}

func (k kind) Name() string { return k.name }

func (k kind) Variables() []string { return Variables }

func (k kind) Source() (string, error) {
	var b strings.Builder
	for _, p := range k.parts {
		src, err := templates.ReadFile("templates/" + p)
		if err != nil {
			return "", fmt.Errorf("challenge: template %s: %w", p, err)
		}
		b.Write(src)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// Full is the blocking interstitial that must report before the origin is
// reachable.
func Full() Kind {
	return kind{name: KindFull, parts: []string{"seal.js", "environment.js", "full.js"}}
}

// Inject is the passive script appended to proxied HTML.
func Inject() Kind {
	return kind{name: KindInject, parts: []string{"seal.js", "environment.js", "inject.js"}}
}

// KindByName resolves "full" or "inject".
func KindByName(name string) (Kind, error) {
	switch name {
	case KindFull:
		return Full(), nil
	case KindInject:
		return Inject(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, name)
}
