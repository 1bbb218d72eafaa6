// Package extract converts uploaded documents to plain text so prompts can
// include their contents as attachments.
package extract

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
)

// Result is the outcome for one document. Failures are reported inline so a
// batch request never fails as a whole.
type Result struct {
	Filename string `json:"filename"`
	Text     string `json:"text,omitempty"`
	Pages    int    `json:"pages,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Extract converts one document to text based on its filename extension.
func Extract(filename string, data []byte) Result {
	res := Result{Filename: filename}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		text, pages, err := extractPDF(data)
		if err != nil {
			res.Error = fmt.Sprintf("pdf extraction failed: %v", err)
			return res
		}
		res.Text, res.Pages = text, pages
	case ".docx":
		text, err := extractDocx(data)
		if err != nil {
			res.Error = fmt.Sprintf("docx extraction failed: %v", err)
			return res
		}
		res.Text = text
	case ".txt", ".md", ".markdown":
		res.Text = decodeText(data)
	default:
		res.Error = fmt.Sprintf("unsupported file type: %s", filepath.Ext(filename))
	}
	return res
}

func extractPDF(data []byte) (string, int, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, err
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", 0, err
	}
	text, err := io.ReadAll(plain)
	if err != nil {
		return "", 0, err
	}
	return string(text), reader.NumPage(), nil
}

var (
	docxParaEnd = regexp.MustCompile(`</w:p>`)
	docxTags    = regexp.MustCompile(`<[^>]+>`)
)

func extractDocx(data []byte) (string, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	defer doc.Close()

	// GetContent returns the raw document XML. Paragraph closers become
	// newlines, everything else tagged is dropped.
	content := doc.Editable().GetContent()
	content = docxParaEnd.ReplaceAllString(content, "\n")
	content = docxTags.ReplaceAllString(content, "")
	return strings.TrimSpace(content), nil
}

// decodeText returns the bytes as UTF-8, falling back to a Latin-1 reading
// for legacy text files.
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}
