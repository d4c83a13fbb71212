package extract

import (
	"context"
	"io"
	"os"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type HTML struct{}

func NewHTML() *HTML { return &HTML{} }

func (HTML) Name() string { return "html" }

func (HTML) CanHandle(ext string) bool {
	return ext == ".html" || ext == ".htm" || ext == ".xhtml"
}

func (HTML) Extract(_ context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return htmlText(io.LimitReader(f, maxReadBytes))
}

// htmlText returns the visible text of an HTML document, title included,
// with block elements separated by newlines.
func htmlText(r io.Reader) (string, error) {
	z := html.NewTokenizer(r)
	var b strings.Builder
	skip := 0

	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return collapseBlankLines(b.String()), nil
			}
			return "", z.Err()
		case html.StartTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if isHiddenElement(a) {
				skip++
			} else if isBlockElement(a) {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if isHiddenElement(a) {
				if skip > 0 {
					skip--
				}
			} else if isBlockElement(a) {
				b.WriteByte('\n')
			}
		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if a := atom.Lookup(name); a == atom.Br || a == atom.Hr {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := strings.Join(strings.Fields(string(z.Text())), " ")
			if text != "" {
				b.WriteString(text)
				b.WriteByte(' ')
			}
		}
	}
}

func isHiddenElement(a atom.Atom) bool {
	switch a {
	case atom.Script, atom.Style, atom.Noscript, atom.Svg, atom.Template:
		return true
	}
	return false
}

func isBlockElement(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Br, atom.Hr, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Li, atom.Tr, atom.Blockquote, atom.Pre, atom.Table, atom.Section, atom.Article, atom.Title:
		return true
	}
	return false
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
