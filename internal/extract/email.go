package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/emersion/go-mbox"
	"github.com/jhillyerd/enmime"
)

// Email reads single messages (.eml) and mailboxes (.mbox). Headers that
// people search by (subject, sender, recipients) are indexed with the body.
type Email struct{}

func NewEmail() *Email { return &Email{} }

func (Email) Name() string { return "email" }

func (Email) CanHandle(ext string) bool { return ext == ".eml" || ext == ".mbox" }

func (e Email) Extract(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if strings.EqualFold(filepath.Ext(path), ".mbox") {
		return mailboxText(ctx, f)
	}
	return messageText(io.LimitReader(f, maxReadBytes))
}

func messageText(r io.Reader) (string, error) {
	env, err := enmime.ReadEnvelope(r)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var b strings.Builder
	for _, h := range []string{"Subject", "From", "To", "Cc"} {
		if v := env.GetHeader(h); v != "" {
			b.WriteString(v)
			b.WriteByte('\n')
		}
	}
	body := env.Text
	if strings.TrimSpace(body) == "" && env.HTML != "" {
		if text, err := htmlText(strings.NewReader(env.HTML)); err == nil {
			body = text
		}
	}
	b.WriteString(body)
	for _, a := range env.Attachments {
		if a.FileName != "" {
			b.WriteByte('\n')
			b.WriteString(a.FileName)
		}
	}
	return strings.TrimSpace(b.String()), nil
}

func mailboxText(ctx context.Context, r io.Reader) (string, error) {
	mr := mbox.NewReader(io.LimitReader(r, maxReadBytes))
	var b strings.Builder
	messages := 0
	for {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		msg, err := mr.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if messages == 0 {
				return "", fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			break
		}
		raw, err := io.ReadAll(msg)
		if err != nil {
			continue
		}
		text, err := messageText(bytes.NewReader(raw))
		if err != nil {
			continue
		}
		messages++
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String()), nil
}
