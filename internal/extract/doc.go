package extract

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"github.com/richardlehane/mscfb"
	"golang.org/x/text/encoding/charmap"
	xunicode "golang.org/x/text/encoding/unicode"
)

// Doc salvages text from legacy Word (.doc) files. It reads the WordDocument
// stream out of the OLE compound file and keeps printable runs, trying both
// UTF-16LE and the compressed 8-bit encoding Word uses for Latin text.
type Doc struct{}

func NewDoc() *Doc { return &Doc{} }

func (Doc) Name() string { return "doc" }

func (Doc) CanHandle(ext string) bool { return ext == ".doc" }

// minRun is the shortest printable run kept; shorter runs are mostly
// formatting noise.
const minRun = 4

func (Doc) Extract(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	cf, err := mscfb.New(f)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	for entry, err := cf.Next(); err == nil; entry, err = cf.Next() {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if entry.Name != "WordDocument" {
			continue
		}
		data, err := io.ReadAll(io.LimitReader(entry, maxReadBytes))
		if err != nil {
			return "", fmt.Errorf("%w: reading WordDocument: %v", ErrCorrupt, err)
		}
		return salvageText(data), nil
	}
	return "", fmt.Errorf("%w: no WordDocument stream", ErrCorrupt)
}

func salvageText(data []byte) string {
	wide := ""
	if dec, err := xunicode.UTF16(xunicode.LittleEndian, xunicode.IgnoreBOM).NewDecoder().Bytes(data); err == nil {
		wide = printableRuns(string(dec))
	}
	narrow := ""
	if dec, err := charmap.Windows1252.NewDecoder().Bytes(data); err == nil {
		narrow = printableRuns(string(dec))
	}
	if letters(wide) >= letters(narrow) {
		return wide
	}
	return narrow
}

func printableRuns(s string) string {
	var out, run strings.Builder
	n := 0
	flush := func() {
		if n >= minRun {
			if out.Len() > 0 {
				out.WriteByte(' ')
			}
			out.WriteString(strings.TrimSpace(run.String()))
		}
		run.Reset()
		n = 0
	}
	for _, r := range s {
		if r == '\r' || r == '\n' || r == '\t' {
			r = ' '
		}
		if unicode.IsPrint(r) && r != unicode.ReplacementChar {
			run.WriteRune(r)
			n++
			continue
		}
		flush()
	}
	flush()
	return out.String()
}

func letters(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}
