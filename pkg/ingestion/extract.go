// Package ingestion runs the knowledge pipeline: fetch the uploaded asset,
// extract text, chunk it, embed the chunks, and upsert them into the brand's
// vector namespace. Workers claim queued jobs with SKIP LOCKED and heartbeat
// while running so orphaned jobs can be requeued.
package ingestion

import (
	"bytes"
	"io"
	"path"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"github.com/chatmesh/chatmesh/pkg/errkind"
)

// format is the detected source format of an asset.
type format string

// Supported asset formats.
const (
	formatMarkdown format = "markdown"
	formatText     format = "text"
	formatHTML     format = "html"
	formatPDF      format = "pdf"
)

// detectFormat derives the format from the object key extension set at
// upload time.
func detectFormat(objectKey string) (format, error) {
	switch strings.ToLower(path.Ext(objectKey)) {
	case ".md", ".markdown":
		return formatMarkdown, nil
	case ".txt":
		return formatText, nil
	case ".html", ".htm":
		return formatHTML, nil
	case ".pdf":
		return formatPDF, nil
	default:
		return "", errkind.Newf(errkind.Permanent, "unsupported asset format %q", path.Ext(objectKey))
	}
}

// extractText converts the raw asset bytes to plain text. Extraction
// failures are permanent: the same bytes will fail the same way on retry.
func extractText(f format, data []byte) (string, error) {
	switch f {
	case formatMarkdown, formatText:
		if !utf8.Valid(data) {
			return "", errkind.Newf(errkind.Permanent, "asset is not valid UTF-8")
		}
		return string(data), nil
	case formatHTML:
		return extractHTML(data)
	case formatPDF:
		return extractPDF(data)
	default:
		return "", errkind.Newf(errkind.Permanent, "unsupported asset format %q", f)
	}
}

// extractHTML walks the document and collects text nodes, skipping script
// and style subtrees. Block elements become paragraph breaks so the chunker
// sees the document's structure.
func extractHTML(data []byte) (string, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return "", errkind.Newf(errkind.Permanent, "failed to parse html: %v", err)
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript":
				return
			case "p", "div", "br", "li", "h1", "h2", "h3", "h4", "h5", "h6", "tr":
				sb.WriteString("\n\n")
			}
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return sb.String(), nil
}

func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", errkind.Newf(errkind.Permanent, "failed to open pdf: %v", err)
	}
	text, err := r.GetPlainText()
	if err != nil {
		return "", errkind.Newf(errkind.Permanent, "failed to extract pdf text: %v", err)
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, text); err != nil {
		return "", errkind.Newf(errkind.Permanent, "failed to read pdf text: %v", err)
	}
	return sb.String(), nil
}
