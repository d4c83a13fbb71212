package extract

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
)

// Office reads the OOXML containers (.docx, .xlsx, .pptx). Each is a zip of
// XML parts; text lives in <t> elements and paragraphs end at <p> or <si>.
type Office struct{}

func NewOffice() *Office { return &Office{} }

func (Office) Name() string { return "office" }

func (Office) CanHandle(ext string) bool {
	return ext == ".docx" || ext == ".xlsx" || ext == ".pptx"
}

func (Office) Extract(ctx context.Context, p string) (string, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		if IsLocked(err) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	defer zr.Close()

	parts := officeParts(&zr.Reader, strings.ToLower(path.Ext(p)))
	if len(parts) == 0 {
		return "", fmt.Errorf("%w: no document parts", ErrCorrupt)
	}

	var b strings.Builder
	for _, part := range parts {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		rc, err := part.Open()
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrCorrupt, part.Name, err)
		}
		err = xmlText(&b, io.LimitReader(rc, maxReadBytes))
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrCorrupt, part.Name, err)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

// officeParts returns the text-bearing parts in reading order.
func officeParts(zr *zip.Reader, ext string) []*zip.File {
	var parts []*zip.File
	for _, f := range zr.File {
		name := f.Name
		switch ext {
		case ".docx":
			if name == "word/document.xml" || strings.HasPrefix(name, "word/header") ||
				strings.HasPrefix(name, "word/footer") || name == "word/footnotes.xml" {
				parts = append(parts, f)
			}
		case ".xlsx":
			if name == "xl/sharedStrings.xml" ||
				(strings.HasPrefix(name, "xl/worksheets/sheet") && strings.HasSuffix(name, ".xml")) {
				parts = append(parts, f)
			}
		case ".pptx":
			if strings.HasPrefix(name, "ppt/slides/slide") && strings.HasSuffix(name, ".xml") {
				parts = append(parts, f)
			}
		}
	}
	sort.SliceStable(parts, func(i, j int) bool {
		return partLess(parts[i].Name, parts[j].Name)
	})
	return parts
}

// partLess orders the main document first and numbered parts numerically
// (slide2 before slide10).
func partLess(a, b string) bool {
	if a == "word/document.xml" {
		return b != a
	}
	if b == "word/document.xml" {
		return false
	}
	if len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func xmlText(b *strings.Builder, r io.Reader) error {
	dec := xml.NewDecoder(r)
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p", "si":
				b.WriteByte('\n')
			case "c":
				b.WriteByte(' ')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
}
