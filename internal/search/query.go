// Package search parses user queries and runs them against the index with
// paging and a hard timeout.
package search

import (
	"strings"
	"unicode"
)

// Term is one unit of a parsed query.
type Term struct {
	Text   string
	Phrase bool
	Prefix bool
}

// fts renders t as an FTS5 string. Quoting every term keeps FTS5 operators
// typed by the user literal.
func (t Term) fts() string {
	s := `"` + strings.ReplaceAll(t.Text, `"`, `""`) + `"`
	if t.Prefix {
		s += "*"
	}
	return s
}

// Query is an immutable parsed query.
type Query struct {
	raw     string
	include []Term
	exclude []Term
	limit   int
	offset  int
}

// Parse splits raw into terms. It understands "exact phrases" (an
// unterminated quote runs to the end), -exclusions of terms or phrases and
// trailing * prefix wildcards. A leading * is dropped and an inner * cuts
// the term into a prefix. Everything else is literal text. Terms without a
// letter or digit are dropped. A negative offset becomes zero; limit is
// kept as given and clamped by the Engine.
func Parse(raw string, limit, offset int) Query {
	q := Query{raw: raw, limit: limit, offset: max(offset, 0)}

	rs := []rune(raw)
	for i := 0; i < len(rs); {
		if unicode.IsSpace(rs[i]) {
			i++
			continue
		}

		negated := false
		if rs[i] == '-' && i+1 < len(rs) && !unicode.IsSpace(rs[i+1]) {
			negated = true
			i++
		}

		var t Term
		if rs[i] == '"' {
			j := i + 1
			for j < len(rs) && rs[j] != '"' {
				j++
			}
			t = Term{Text: strings.TrimSpace(string(rs[i+1 : j])), Phrase: true}
			i = j + 1
		} else {
			j := i
			for j < len(rs) && !unicode.IsSpace(rs[j]) {
				j++
			}
			t = wordTerm(string(rs[i:j]))
			i = j
		}

		if !hasAlnum(t.Text) {
			continue
		}
		if negated {
			q.exclude = append(q.exclude, t)
		} else {
			q.include = append(q.include, t)
		}
	}
	return q
}

func wordTerm(w string) Term {
	w = strings.TrimLeft(w, "*")
	if i := strings.IndexByte(w, '*'); i >= 0 {
		return Term{Text: w[:i], Prefix: true}
	}
	return Term{Text: w}
}

func hasAlnum(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func (q Query) Raw() string { return q.raw }
func (q Query) Limit() int  { return q.limit }
func (q Query) Offset() int { return q.offset }

func (q Query) Include() []Term { return append([]Term(nil), q.include...) }
func (q Query) Exclude() []Term { return append([]Term(nil), q.exclude...) }

// Empty reports whether the query has no usable terms.
func (q Query) Empty() bool { return len(q.include) == 0 && len(q.exclude) == 0 }

// Match returns the FTS5 expression every result must satisfy; terms are
// implicitly ANDed. It is empty for exclusion-only queries.
func (q Query) Match() string {
	return joinTerms(q.include, " ")
}

// ExcludeMatch returns the FTS5 expression results must not satisfy.
func (q Query) ExcludeMatch() string {
	return joinTerms(q.exclude, " OR ")
}

func joinTerms(terms []Term, sep string) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.fts()
	}
	return strings.Join(parts, sep)
}
