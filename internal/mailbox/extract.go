package mailbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"example.com/tlsreporting/internal/tlsrpt"

	"github.com/emersion/go-message/mail"

	// needed to handle other charsets too
	_ "github.com/emersion/go-message/charset"
)

// Media types used for TLS reports delivered by mail (RFC 8460 section 5.3).
var reportMediaTypes = map[string]struct{}{
	"application/tlsrpt+gzip": {},
	"application/tlsrpt+json": {},
	"application/gzip":        {},
	"application/json":        {},
}

type attachment struct {
	filename string
	content  []byte
}

// extractReports returns every part of the message that looks like a TLS
// report: attachments and inline parts carrying a report media type or the
// gzip magic number.
func extractReports(ctx context.Context, r io.Reader) ([]attachment, error) {
	m, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("could not create reader: %w", err)
	}
	defer m.Close()

	var out []attachment
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, err := m.NextPart()
		if errors.Is(err, io.EOF) {
			return out, nil
		} else if err != nil {
			return nil, fmt.Errorf("could not get next part: %w", err)
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("could not read inline body: %w", err)
			}
			ct, _, _ := h.ContentType()
			if isReport(ct, "", b) {
				_, params, _ := h.ContentDisposition()
				out = append(out, attachment{filename: params["filename"], content: b})
			}
		case *mail.AttachmentHeader:
			filename, err := h.Filename()
			if err != nil {
				return nil, fmt.Errorf("could not get attachment filename: %w", err)
			}
			b, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, fmt.Errorf("could not read attachment: %w", err)
			}
			ct, _, _ := h.ContentType()
			if isReport(ct, filename, b) {
				out = append(out, attachment{filename: filename, content: b})
			}
		}
	}
}

func isReport(contentType, filename string, content []byte) bool {
	if tlsrpt.IsGzip(content) {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err == nil {
		if _, ok := reportMediaTypes[strings.ToLower(mt)]; ok {
			return true
		}
	}
	name := strings.ToLower(filename)
	return strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".json.gz")
}
