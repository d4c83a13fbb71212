package extract

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// maxReadBytes bounds how much of a single file is read into memory.
const maxReadBytes = 64 << 20

var textExts = map[string]bool{
	".txt": true, ".text": true, ".log": true, ".csv": true, ".tsv": true,
	".json": true, ".xml": true, ".yaml": true, ".yml": true, ".ini": true,
	".cfg": true, ".conf": true, ".toml": true, ".rst": true, ".tex": true,
}

type Text struct{}

func NewText() *Text { return &Text{} }

func (Text) Name() string { return "text" }

func (Text) CanHandle(ext string) bool { return textExts[ext] }

func (Text) Extract(_ context.Context, path string) (string, error) {
	return readText(path)
}

// readText reads path as text. A BOM selects UTF-8 or UTF-16; input that is
// not valid UTF-8 is decoded as Windows-1252, the most common legacy
// encoding for office documents on disk.
func readText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	raw, err := io.ReadAll(io.LimitReader(f, maxReadBytes))
	if err != nil {
		return "", err
	}
	return decodeText(raw)
}

func decodeText(raw []byte) (string, error) {
	var out []byte
	switch {
	case bytes.HasPrefix(raw, []byte{0xFF, 0xFE}), bytes.HasPrefix(raw, []byte{0xFE, 0xFF}):
		dec := unicode.BOMOverride(unicode.UTF8.NewDecoder())
		decoded, _, err := transform.Bytes(dec, raw)
		if err != nil {
			return "", fmt.Errorf("decoding utf-16: %w", err)
		}
		out = decoded
	case utf8.Valid(raw):
		out = bytes.TrimPrefix(raw, []byte{0xEF, 0xBB, 0xBF})
	default:
		decoded, _, err := transform.Bytes(charmap.Windows1252.NewDecoder(), raw)
		if err != nil {
			decoded = bytes.ToValidUTF8(raw, []byte("\uFFFD"))
		}
		out = decoded
	}

	sniff := out
	if len(sniff) > 8192 {
		sniff = sniff[:8192]
	}
	if bytes.IndexByte(sniff, 0) >= 0 {
		return "", ErrBinaryContent
	}
	return string(out), nil
}
