package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/byte4byte/b4b/internal/ray"
	"github.com/byte4byte/b4b/internal/scoring"
)

// Routes is the content of the routes file.
type Routes struct {
	Groups    []Group        `yaml:"groups"`
	Endpoints []Endpoint     `yaml:"endpoints"`
	Detection Detection      `yaml:"detection"`
	Scoring   scoring.Tables `yaml:"scoring"`
}

type Group struct {
	Name      string        `yaml:"name"`
	Mode      string        `yaml:"mode"`
	Lifetime  time.Duration `yaml:"lifetime"`
	Whitelist []string      `yaml:"whitelist"`
	// WhitelistFiles are JSON arrays of CIDRs, such as published crawler
	// ranges, merged into Whitelist at load. Relative paths resolve
	// against the routes file.
	WhitelistFiles []string `yaml:"whitelist_files"`
}

type Endpoint struct {
	Host   string `yaml:"host"`
	Origin string `yaml:"origin"`
	Group  string `yaml:"group"`
}

// Detection overrides the classifier signatures. Empty lists keep the
// built-in ones.
type Detection struct {
	BotSuffixes []string `yaml:"bot_suffixes"`
	Keywords    []string `yaml:"keywords"`
}

// Rules merges the overrides onto the built-in signatures.
func (d Detection) Rules() ray.Rules {
	r := ray.DefaultRules()
	if len(d.BotSuffixes) > 0 {
		r.BotSuffixes = d.BotSuffixes
	}
	if len(d.Keywords) > 0 {
		r.Keywords = d.Keywords
	}
	return r
}

// LoadRoutes parses the routes file at path. Scoring tables start from
// the defaults, so the file only needs the values it changes.
func LoadRoutes(path string) (Routes, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Routes{}, fmt.Errorf("config: read routes: %w", err)
	}
	return ParseRoutes(raw, filepath.Dir(path))
}

// ParseRoutes decodes a routes document; dir resolves relative whitelist
// files.
func ParseRoutes(raw []byte, dir string) (Routes, error) {
	r := Routes{Scoring: scoring.DefaultTables()}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&r); err != nil && !errors.Is(err, io.EOF) {
		return Routes{}, fmt.Errorf("config: decode routes: %w", err)
	}
	for i := range r.Groups {
		g := &r.Groups[i]
		for _, f := range g.WhitelistFiles {
			if !filepath.IsAbs(f) {
				f = filepath.Join(dir, f)
			}
			cidrs, err := readWhitelist(f)
			if err != nil {
				return Routes{}, err
			}
			g.Whitelist = append(g.Whitelist, cidrs...)
		}
	}
	return r, nil
}

func readWhitelist(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read whitelist: %w", err)
	}
	var cidrs []string
	if err := json.Unmarshal(raw, &cidrs); err != nil {
		return nil, fmt.Errorf("config: whitelist %s: %w", filepath.Base(path), err)
	}
	return cidrs, nil
}

// Group returns the group called name.
func (r Routes) Group(name string) (Group, bool) {
	for _, g := range r.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return Group{}, false
}

// Validate rejects unknown groups, bad CIDRs and bad origins.
func (r Routes) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	groups := map[string]bool{}
	for _, g := range r.Groups {
		if g.Name == "" {
			fail("group without name")
			continue
		}
		if groups[g.Name] {
			fail("duplicate group %q", g.Name)
		}
		groups[g.Name] = true
		if _, err := ray.ParseMode(g.Mode); err != nil {
			errs = append(errs, err)
		}
		for _, c := range g.Whitelist {
			if _, err := ray.ParsePrefix(c); err != nil {
				errs = append(errs, fmt.Errorf("group %s: %w", g.Name, err))
			}
		}
	}

	hosts := map[string]bool{}
	for _, e := range r.Endpoints {
		host := strings.ToLower(e.Host)
		if host == "" {
			fail("endpoint without host")
		} else if hosts[host] {
			fail("duplicate endpoint host %q", e.Host)
		}
		hosts[host] = true
		if !groups[e.Group] {
			fail("endpoint %s: unknown group %q", e.Host, e.Group)
		}
		u, err := url.Parse(e.Origin)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			fail("endpoint %s: bad origin %q", e.Host, e.Origin)
		}
	}
	if err := r.Scoring.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
