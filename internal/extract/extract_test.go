package extract

import (
	"archive/zip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, data, 0o644))
	return p
}

func newTestRegistry(extractors ...Extractor) *Registry {
	opts := Options{MaxTextBytes: 1 << 20, Retry: RetryPolicy{Attempts: 3, Delay: time.Millisecond}}
	var r *Registry
	if len(extractors) == 0 {
		r = Default(opts)
	} else {
		r = NewRegistry(opts, extractors...)
	}
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestExtractPlainText(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry()

	p := writeFile(t, dir, "hello.txt", []byte("hello world"))
	res, err := r.Extract(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Text)
	assert.Equal(t, "text", res.Method)
	assert.False(t, res.Truncated)
}

func TestExtractTextEncodings(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry()

	utf16 := []byte{0xFF, 0xFE, 'h', 0, 'i', 0}
	res, err := r.Extract(context.Background(), writeFile(t, dir, "wide.txt", utf16))
	require.NoError(t, err)
	assert.Equal(t, "hi", res.Text)

	bom := append([]byte{0xEF, 0xBB, 0xBF}, []byte("café")...)
	res, err = r.Extract(context.Background(), writeFile(t, dir, "bom.txt", bom))
	require.NoError(t, err)
	assert.Equal(t, "café", res.Text)

	latin1 := []byte{'c', 'a', 'f', 0xE9}
	res, err = r.Extract(context.Background(), writeFile(t, dir, "legacy.txt", latin1))
	require.NoError(t, err)
	assert.Equal(t, "café", res.Text)
}

func TestExtractBinaryIsPermanent(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry()

	_, err := r.Extract(context.Background(), writeFile(t, dir, "blob.txt", []byte{'a', 0, 'b'}))
	require.Error(t, err)
	var xe *Error
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, Permanent, xe.Kind)
	assert.ErrorIs(t, err, ErrBinaryContent)
}

func TestExtractCorruptPDF(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry()

	_, err := r.Extract(context.Background(), writeFile(t, dir, "broken.pdf", []byte("this is not a pdf at all")))
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestExtractUnhandledIsMetadataOnly(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry()

	res, err := r.Extract(context.Background(), writeFile(t, dir, "photo.jpg", []byte{0xFF, 0xD8}))
	require.NoError(t, err)
	assert.Equal(t, MethodMetadataOnly, res.Method)
	assert.Empty(t, res.Text)
	assert.Equal(t, "image", r.KindOf(".JPG"))
	assert.Equal(t, "document", r.KindOf(".pdf"))
	assert.Equal(t, "other", r.KindOf(".bin"))
}

func TestExtractMarkdownAndHTML(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry()

	md := "# Title\n\nSome **bold** text and a [link](http://example.com).\n\n- item one\n"
	res, err := r.Extract(context.Background(), writeFile(t, dir, "notes.md", []byte(md)))
	require.NoError(t, err)
	assert.Equal(t, "Title\n\nSome bold text and a link.\n\nitem one", res.Text)

	page := `<html><head><title>Report</title><style>p{color:red}</style></head>
<body><p>First &amp; second</p><script>var x = 1;</script><div>Third</div></body></html>`
	res, err = r.Extract(context.Background(), writeFile(t, dir, "page.html", []byte(page)))
	require.NoError(t, err)
	assert.Contains(t, res.Text, "Report")
	assert.Contains(t, res.Text, "First & second")
	assert.Contains(t, res.Text, "Third")
	assert.NotContains(t, res.Text, "color")
	assert.NotContains(t, res.Text, "var x")
}

func TestExtractDocx(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "memo.docx")
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(`<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:r><w:t>Hello</w:t></w:r><w:r><w:t xml:space="preserve"> docx</w:t></w:r></w:p>
<w:p><w:r><w:t>Second paragraph</w:t></w:r></w:p>
</w:body></w:document>`))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	res, err := newTestRegistry().Extract(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "Hello docx\nSecond paragraph", res.Text)
	assert.Equal(t, "office", res.Method)
}

func TestExtractEmail(t *testing.T) {
	dir := t.TempDir()
	r := newTestRegistry()

	eml := "From: Alice <alice@example.com>\r\nTo: bob@example.com\r\nSubject: Quarterly numbers\r\n" +
		"Content-Type: text/plain\r\n\r\nThe zebra budget is attached.\r\n"
	res, err := r.Extract(context.Background(), writeFile(t, dir, "msg.eml", []byte(eml)))
	require.NoError(t, err)
	assert.Contains(t, res.Text, "Quarterly numbers")
	assert.Contains(t, res.Text, "zebra budget")

	box := "From alice@example.com Mon Jan  1 00:00:00 2024\nSubject: One\n\nfirst body\n\n" +
		"From bob@example.com Mon Jan  1 00:00:00 2024\nSubject: Two\n\nsecond body\n"
	res, err = r.Extract(context.Background(), writeFile(t, dir, "inbox.mbox", []byte(box)))
	require.NoError(t, err)
	assert.Contains(t, res.Text, "first body")
	assert.Contains(t, res.Text, "second body")
}

type stubExtractor struct {
	name  string
	calls int
	fn    func(calls int) (string, error)
}

func (s *stubExtractor) Name() string              { return s.name }
func (s *stubExtractor) CanHandle(ext string) bool { return ext == ".txt" }
func (s *stubExtractor) Extract(context.Context, string) (string, error) {
	s.calls++
	return s.fn(s.calls)
}

func TestExtractLockedRetriesThenTransient(t *testing.T) {
	locked := &stubExtractor{name: "locked", fn: func(int) (string, error) { return "", ErrFileLocked }}
	r := newTestRegistry(locked)

	_, err := r.Extract(context.Background(), "/tmp/busy.txt")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	var xe *Error
	require.ErrorAs(t, err, &xe)
	assert.Equal(t, 3, xe.Attempts)
	assert.Equal(t, 3, locked.calls)
}

func TestExtractLockClearsOnRetry(t *testing.T) {
	flaky := &stubExtractor{name: "flaky", fn: func(calls int) (string, error) {
		if calls < 2 {
			return "", ErrFileLocked
		}
		return "finally", nil
	}}
	r := newTestRegistry(flaky)

	res, err := r.Extract(context.Background(), "/tmp/busy.txt")
	require.NoError(t, err)
	assert.Equal(t, "finally", res.Text)
	assert.Equal(t, 2, flaky.calls)
}

func TestExtractFallsBackAfterPermanentFailure(t *testing.T) {
	broken := &stubExtractor{name: "broken", fn: func(int) (string, error) { return "", errors.New("bad header") }}
	panicky := &stubExtractor{name: "panicky", fn: func(int) (string, error) { panic("index out of range") }}
	good := &stubExtractor{name: "good", fn: func(int) (string, error) { return "recovered", nil }}
	r := newTestRegistry(broken, panicky, good)

	res, err := r.Extract(context.Background(), "/tmp/doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "good", res.Method)
	assert.Equal(t, 1, broken.calls)
	assert.Equal(t, 1, panicky.calls)

	r = newTestRegistry(broken, panicky)
	_, err = r.Extract(context.Background(), "/tmp/doc.txt")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestExtractTruncatesOnRuneBoundary(t *testing.T) {
	long := &stubExtractor{name: "long", fn: func(int) (string, error) { return "ééééé", nil }}
	r := NewRegistry(Options{MaxTextBytes: 5}, long)

	res, err := r.Extract(context.Background(), "/tmp/long.txt")
	require.NoError(t, err)
	assert.Equal(t, "éé", res.Text)
	assert.True(t, res.Truncated)
}

func TestRetryPolicyBackoff(t *testing.T) {
	a := RetryPolicy{Attempts: 4, Delay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}.Start()
	assert.Equal(t, 1, a.N())

	var waits []time.Duration
	for {
		d, ok := a.Next()
		if !ok {
			break
		}
		waits = append(waits, d)
	}
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, waits)
	assert.Equal(t, 4, a.N())

	single := RetryPolicy{}.Start()
	_, ok := single.Next()
	assert.False(t, ok)
}

func TestContentHash(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", []byte("same"))
	b := writeFile(t, dir, "b.txt", []byte("same"))
	c := writeFile(t, dir, "c.txt", []byte("different"))

	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, _ := ContentHash(b)
	hc, _ := ContentHash(c)
	assert.Equal(t, ha, hb)
	assert.NotEqual(t, ha, hc)
	assert.Len(t, ha, 16)
}
