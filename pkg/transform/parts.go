package transform

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/rs/zerolog/log"
)

// PartFunc may replace the decoded body of a leaf part. Returning a nil slice keeps the body, an
// error is logged and also keeps the body.
type PartFunc func(h message.Header, body []byte) ([]byte, error)

// RewriteLeaves copies raw, passing every non-multipart part through fn. Headers, boundaries and
// transfer encodings are kept; rewritten bodies are re-encoded with their part's encoding.
func RewriteLeaves(raw []byte, fn PartFunc) ([]byte, error) {
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("read message: %w", err)
	}
	var buf bytes.Buffer
	create := func(h message.Header) (*message.Writer, error) {
		return message.CreateWriter(&buf, h)
	}
	if err := writeEntity(create, e, fn); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeEntity(
	create func(message.Header) (*message.Writer, error),
	e *message.Entity,
	fn PartFunc,
) error {
	if mr := e.MultipartReader(); mr != nil {
		w, err := create(e.Header)
		if err != nil {
			return err
		}
		for {
			p, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil && !message.IsUnknownCharset(err) {
				return fmt.Errorf("read part: %w", err)
			}
			if err := writeEntity(w.CreatePart, p, fn); err != nil {
				return err
			}
		}
		return w.Close()
	}

	body, err := io.ReadAll(e.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	replaced, err := fn(e.Header, body)
	if err != nil {
		ct, _, _ := e.Header.ContentType()
		log.Warn().Str("module", "transform").Str("type", ct).Err(err).
			Msg("Leaving part unmodified")
	} else if replaced != nil {
		body = replaced
	}
	w, err := create(e.Header)
	if err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return w.Close()
}

// IsAttachment reports whether the part is marked as an attachment.
func IsAttachment(h message.Header) bool {
	disp, _, err := h.ContentDisposition()
	return err == nil && strings.EqualFold(disp, "attachment")
}

// MediaType returns the lowercased media type of a part, defaulting to text/plain.
func MediaType(h message.Header) string {
	t, _, err := h.ContentType()
	if err != nil || t == "" {
		return "text/plain"
	}
	return strings.ToLower(t)
}
