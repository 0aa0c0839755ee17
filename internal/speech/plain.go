// Package speech turns an agent's markdown reply into text a TTS engine
// can read aloud.
package speech

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	gmhtml "github.com/yuin/goldmark/renderer/html"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var md = goldmark.New(goldmark.WithRendererOptions(gmhtml.WithUnsafe()))

// skipElements are never spoken.
var skipElements = map[atom.Atom]bool{
	atom.Pre:    true,
	atom.Script: true,
	atom.Style:  true,
}

// PlainText renders markdown to HTML and reads the text back out of it.
// Formatting is dropped, code blocks are skipped, entities are decoded
// and headings and list items end in a full stop so the engine pauses.
func PlainText(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}

	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return collapse(markdown)
	}
	doc, err := html.Parse(&buf)
	if err != nil {
		return collapse(html.UnescapeString(markdown))
	}

	var w strings.Builder
	walk(doc, &w)
	return collapse(w.String())
}

func walk(n *html.Node, w *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		w.WriteString(n.Data)
		return
	case html.CommentNode:
		return
	case html.ElementNode:
		if skipElements[n.DataAtom] {
			return
		}
	}

	block := n.Type == html.ElementNode && isBlock(n.DataAtom)
	if n.Type == html.ElementNode && (n.DataAtom == atom.Ul || n.DataAtom == atom.Ol) {
		// A nested list must not run into its parent item's text.
		terminate(w)
	}
	if block {
		w.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, w)
	}
	if n.Type == html.ElementNode && needsStop(n.DataAtom) {
		terminate(w)
	}
	if block || n.Type == html.ElementNode && n.DataAtom == atom.Br {
		w.WriteByte(' ')
	}
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Blockquote, atom.Ul, atom.Ol, atom.Li,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Table, atom.Tr, atom.Td, atom.Th, atom.Hr:
		return true
	}
	return false
}

func needsStop(a atom.Atom) bool {
	switch a {
	case atom.Li, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		return true
	}
	return false
}

// terminate ends the text written so far with a full stop unless it
// already ends in punctuation.
func terminate(w *strings.Builder) {
	s := strings.TrimRight(w.String(), " \t\r\n")
	if s == "" {
		return
	}
	w.Reset()
	w.WriteString(s)
	if !strings.ContainsAny(s[len(s)-1:], ".!?:;") {
		w.WriteByte('.')
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
