package challenge

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/robertkrimen/otto/ast"
	"github.com/robertkrimen/otto/parser"

	"github.com/byte4byte/b4b/internal/crypto"
)

// Obfuscator rewrites an ES5 script so that no string literal survives in
// clear text, integer literals become arithmetic, whitespace is collapsed
// and the result refuses to run once reformatted.
type Obfuscator struct {
	// SplitMin is the shortest string split across two table entries.
	SplitMin int
	// SelfDefending adds the reformat trap.
	SelfDefending bool
}

// NewObfuscator returns the production settings.
func NewObfuscator() *Obfuscator {
	return &Obfuscator{SplitMin: 6, SelfDefending: true}
}

type span struct {
	start, end int
	repl       string
}

type literals struct {
	strs []*ast.StringLiteral
	nums []*ast.NumberLiteral
}

func (l *literals) Enter(n ast.Node) ast.Visitor {
	switch n := n.(type) {
	case *ast.StringLiteral:
		if n != nil {
			l.strs = append(l.strs, n)
		}
	case *ast.NumberLiteral:
		if n != nil {
			l.nums = append(l.nums, n)
		}
	}
	return l
}

func (l *literals) Exit(ast.Node) {}

var decimalInt = regexp.MustCompile(`^[0-9]+$`)

func parse(src string) (prog *ast.Program, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("challenge: parse: %v", r)
		}
	}()
	return parser.ParseFile(nil, "", src, parser.IgnoreRegExpErrors)
}

func collect(prog *ast.Program) (l *literals, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("challenge: walk: %v", r)
		}
	}()
	l = &literals{}
	ast.Walk(l, prog)
	return l, nil
}

func asciiOnly(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

func reverse(s string) string {
	b := []byte(s)
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
	return string(b)
}

// identifier derives a JS identifier from seed that cannot clash with the
// template's own names.
func identifier(seed, label string) string {
	return "_" + crypto.KeyedString(seed+":"+label, 7)
}

// Obfuscate transforms src. seed drives every random choice, so the same
// seed and source always produce the same output.
func (o *Obfuscator) Obfuscate(seed, src string) (string, error) {
	prog, err := parse(src)
	if err != nil {
		return "", err
	}
	lits, err := collect(prog)
	if err != nil {
		return "", err
	}

	rng := crypto.Shuffler(seed)
	tableName := identifier(seed, "table")
	decoderName := identifier(seed, "decode")

	// Pieces are collected first so the table order can be shuffled before
	// indexes are assigned.
	type stringSite struct {
		lit    *ast.StringLiteral
		pieces []string
	}
	var sites []stringSite
	unique := map[string]int{}
	var table []string
	for _, lit := range lits.strs {
		if !asciiOnly(lit.Value) {
			continue
		}
		pieces := []string{lit.Value}
		if o.SplitMin > 0 && len(lit.Value) >= o.SplitMin {
			cut := 1 + rng.IntN(len(lit.Value)-1)
			pieces = []string{lit.Value[:cut], lit.Value[cut:]}
		}
		for _, p := range pieces {
			if _, ok := unique[p]; !ok {
				unique[p] = len(table)
				table = append(table, p)
			}
		}
		sites = append(sites, stringSite{lit: lit, pieces: pieces})
	}
	perm := rng.Perm(len(table))
	shuffled := make([]string, len(table))
	for i, p := range table {
		shuffled[perm[i]] = p
		unique[p] = perm[i]
	}

	var spans []span
	for _, s := range sites {
		calls := make([]string, len(s.pieces))
		for i, p := range s.pieces {
			calls[i] = decoderName + "(" + strconv.Itoa(unique[p]) + ")"
		}
		repl := calls[0]
		if len(calls) > 1 {
			repl = "(" + strings.Join(calls, "+") + ")"
		}
		start := int(s.lit.Idx) - 1
		spans = append(spans, span{start: start, end: start + len(s.lit.Literal), repl: repl})
	}
	for _, n := range lits.nums {
		if !decimalInt.MatchString(n.Literal) {
			continue
		}
		v, err := strconv.ParseInt(n.Literal, 10, 64)
		if err != nil || v > 1<<30 {
			continue
		}
		off := int64(1 + rng.IntN(9999))
		start := int(n.Idx) - 1
		spans = append(spans, span{
			start: start,
			end:   start + len(n.Literal),
			repl:  "(" + strconv.FormatInt(v+off, 10) + "-" + strconv.FormatInt(off, 10) + ")",
		})
	}

	body, err := apply(src, spans)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	out.WriteString("(function(){var ")
	out.WriteString(tableName)
	out.WriteString("=[")
	for i, p := range shuffled {
		if i > 0 {
			out.WriteByte(',')
		}
		out.WriteByte('"')
		out.WriteString(base64.StdEncoding.EncodeToString([]byte(reverse(p))))
		out.WriteByte('"')
	}
	out.WriteString("];function ")
	out.WriteString(decoderName)
	out.WriteString("(i){return atob(")
	out.WriteString(tableName)
	out.WriteString("[i]).split(\"\").reverse().join(\"\")}\n")
	if o.SelfDefending {
		guard := identifier(seed, "guard")
		out.WriteString("var " + guard + "=function(){return!0};")
		out.WriteString("if(!/^function\\(\\)\\{return!0\\}$/.test(" + guard + "+\"\")){for(;;){}}\n")
	}
	out.WriteString(compact(body))
	out.WriteString("\n})();")

	code := out.String()
	if _, err := parse(code); err != nil {
		return "", fmt.Errorf("challenge: obfuscated output does not parse: %w", err)
	}
	return code, nil
}

func apply(src string, spans []span) (string, error) {
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	var b strings.Builder
	pos := 0
	for _, s := range spans {
		if s.start < pos || s.end > len(src) {
			return "", fmt.Errorf("challenge: overlapping literal at offset %d", s.start)
		}
		b.WriteString(src[pos:s.start])
		b.WriteString(s.repl)
		pos = s.end
	}
	b.WriteString(src[pos:])
	return b.String(), nil
}

// compact trims indentation and drops blank and comment-only lines.
// Newlines are kept so automatic semicolon insertion behaves as in the
// source.
func compact(src string) string {
	lines := strings.Split(src, "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "//") {
			continue
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
