package challenge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/byte4byte/b4b/internal/crypto"
)

// Script is one generated challenge artifact. Everything except Code and
// Names is derived from Key.
type Script struct {
	Kind  string
	Key   string
	Names []string
	Code  string

	vars []string
}

type storedScript struct {
	Code string   `json:"code"`
	Vars []string `json:"vars"`
}

// StorageKey is the expiring-store key of an artifact.
func StorageKey(kind, key string) string {
	return "challenges:" + kind + ":" + key
}

// KeyPattern matches every artifact of kind.
func KeyPattern(kind string) string {
	return "challenges:" + kind + ":*"
}

func newScript(k Kind, key string, names []string, code string) *Script {
	return &Script{Kind: k.Name(), Key: key, Names: names, Code: code, vars: k.Variables()}
}

// Filename is the script route without the leading slash.
func (s *Script) Filename() string {
	return crypto.KeyedString(s.Key, 32) + ".js"
}

// Endpoint is the callback path the script posts telemetry to.
func (s *Script) Endpoint() string {
	return "/" + crypto.KeyedString(crypto.HashHex(s.Key), 32)
}

// Field returns the obfuscated name of a logical variable, or "" when the
// variable is unknown.
func (s *Script) Field(variable string) string {
	for i, v := range s.vars {
		if v == variable && i < len(s.Names) {
			return s.Names[i]
		}
	}
	return ""
}

// Fields returns the logical-to-obfuscated mapping.
func (s *Script) Fields() map[string]string {
	m := make(map[string]string, len(s.vars))
	for i, v := range s.vars {
		if i < len(s.Names) {
			m[v] = s.Names[i]
		}
	}
	return m
}

func (s *Script) marshal() ([]byte, error) {
	return json.Marshal(storedScript{Code: s.Code, Vars: s.Names})
}

func loadScript(k Kind, key string, raw []byte) (*Script, error) {
	if len(key) != crypto.KeySize {
		return nil, fmt.Errorf("challenge: bad artifact key length %d", len(key))
	}
	var st storedScript
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("challenge: decode artifact: %w", err)
	}
	return newScript(k, key, st.Vars, st.Code), nil
}

// Render substitutes the key-derived values into the kind's source.
func Render(k Kind, key, cipher string, names []string) (string, error) {
	src, err := k.Source()
	if err != nil {
		return "", err
	}
	vars := k.Variables()
	pairs := make([]string, 0, 2*len(vars)+6)
	for i, v := range vars {
		pairs = append(pairs, "{{"+v+"}}", names[i])
	}
	s := &Script{Key: key}
	pairs = append(pairs,
		"{{SCRIPT_KEY}}", key,
		"{{SCRIPT_ENDPOINT}}", s.Endpoint(),
		"{{CIPHER}}", cipher,
	)
	return strings.NewReplacer(pairs...).Replace(src), nil
}
