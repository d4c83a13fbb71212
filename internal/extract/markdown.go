package extract

import (
	"context"
	"regexp"
	"strings"
)

var (
	mdCodeFence  = regexp.MustCompile("(?m)^```.*$")
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
	mdImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}[ \t]+`)
	mdEmphasis   = regexp.MustCompile(`(\*\*|__|\*|~~)([^*~\n]+?)(\*\*|__|\*|~~)`)
	mdQuote      = regexp.MustCompile(`(?m)^>[ \t]?`)
	mdRule       = regexp.MustCompile(`(?m)^[-*_]{3,}[ \t]*$`)
	mdBullet     = regexp.MustCompile(`(?m)^[ \t]*([-*+]|\d+\.)[ \t]+`)
	mdBlankRuns  = regexp.MustCompile(`\n{3,}`)
)

type Markdown struct{}

func NewMarkdown() *Markdown { return &Markdown{} }

func (Markdown) Name() string { return "markdown" }

func (Markdown) CanHandle(ext string) bool {
	return ext == ".md" || ext == ".markdown" || ext == ".mdown"
}

func (Markdown) Extract(_ context.Context, path string) (string, error) {
	text, err := readText(path)
	if err != nil {
		return "", err
	}
	return stripMarkdown(text), nil
}

// stripMarkdown removes markup and keeps the words, including code and
// link text, which users do search for.
func stripMarkdown(s string) string {
	s = mdCodeFence.ReplaceAllString(s, "")
	s = mdInlineCode.ReplaceAllString(s, "$1")
	s = mdImage.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdHeading.ReplaceAllString(s, "")
	s = mdEmphasis.ReplaceAllString(s, "$2")
	s = mdQuote.ReplaceAllString(s, "")
	s = mdRule.ReplaceAllString(s, "")
	s = mdBullet.ReplaceAllString(s, "")
	s = mdBlankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
