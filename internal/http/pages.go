package httpx

import (
	"embed"
	"html"
	"net/http"
	"strconv"
	"strings"
)

//go:embed pages/*.html
var pageFiles embed.FS

// Page templates use {{NAME}} placeholders.
const (
	pageBadGateway  = "502.html"
	pageUnavailable = "503.html"
	pageChallenge   = "challenge.html"
	pageBlocked     = "blocked.html"
)

// renderPage fills a page. Values are HTML-escaped except the script,
// which is only guarded against closing its element.
func renderPage(name string, vars map[string]string) []byte {
	raw, err := pageFiles.ReadFile("pages/" + name)
	if err != nil {
		return []byte(http.StatusText(http.StatusServiceUnavailable))
	}
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		if k == "SCRIPT" {
			v = strings.ReplaceAll(v, "</", `<\/`)
		} else {
			v = html.EscapeString(v)
		}
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return []byte(strings.NewReplacer(pairs...).Replace(string(raw)))
}

func writePage(w http.ResponseWriter, code int, name string, vars map[string]string) {
	body := renderPage(name, vars)
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
