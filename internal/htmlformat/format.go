// Package htmlformat re-indents page HTML for reading in a terminal.
package htmlformat

import (
	"errors"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const indentUnit = "  "

// Format returns input with one tag or text run per line, indented two spaces per level.
// Whitespace inside pre, textarea, script and style is kept as is.
func Format(input string) (string, error) {
	z := html.NewTokenizer(strings.NewReader(input))
	w := &indenter{}

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return "", err
			}
			return w.b.String(), nil
		}

		raw := string(z.Raw())
		name, _ := z.TagName()
		a := atom.Lookup(name)

		switch tt {
		case html.DoctypeToken, html.CommentToken, html.SelfClosingTagToken:
			w.line(raw)
		case html.StartTagToken:
			w.open(raw, a)
		case html.EndTagToken:
			w.close(raw, a)
		case html.TextToken:
			w.text(raw)
		}
	}
}

type indenter struct {
	b     strings.Builder
	depth int

	// verbatim is the raw element being copied through, or 0.
	verbatim atom.Atom
	// fresh is true at the start of an output line.
	fresh bool
}

func (w *indenter) line(s string) {
	if w.verbatim != 0 {
		w.b.WriteString(s)
		return
	}
	w.b.WriteString(strings.Repeat(indentUnit, max(w.depth, 0)))
	w.b.WriteString(s)
	w.b.WriteByte('\n')
	w.fresh = true
}

func (w *indenter) open(raw string, a atom.Atom) {
	if w.verbatim != 0 {
		w.b.WriteString(raw)
		return
	}
	if isVerbatim(a) {
		w.b.WriteString(strings.Repeat(indentUnit, max(w.depth, 0)))
		w.b.WriteString(raw)
		w.verbatim = a
		w.depth++
		return
	}
	w.line(raw)
	if !isVoid(a) {
		w.depth++
	}
}

func (w *indenter) close(raw string, a atom.Atom) {
	if w.verbatim != 0 {
		w.b.WriteString(raw)
		if a == w.verbatim {
			w.verbatim = 0
			w.depth--
			w.b.WriteByte('\n')
			w.fresh = true
		}
		return
	}
	w.depth--
	w.line(raw)
}

func (w *indenter) text(raw string) {
	if w.verbatim != 0 {
		w.b.WriteString(raw)
		return
	}
	if collapsed := strings.Join(strings.Fields(raw), " "); collapsed != "" {
		w.line(collapsed)
	}
}

func isVerbatim(a atom.Atom) bool {
	switch a {
	case atom.Pre, atom.Textarea, atom.Script, atom.Style:
		return true
	}
	return false
}

// isVoid reports elements that never have a closing tag.
func isVoid(a atom.Atom) bool {
	switch a {
	case atom.Area, atom.Base, atom.Br, atom.Col, atom.Embed, atom.Hr, atom.Img, atom.Input,
		atom.Link, atom.Meta, atom.Param, atom.Source, atom.Track, atom.Wbr:
		return true
	}
	return false
}
