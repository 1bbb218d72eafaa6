package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractPlainText(t *testing.T) {
	res := Extract("notes.txt", []byte("hello world"))
	assert.Empty(t, res.Error)
	assert.Equal(t, "hello world", res.Text)
}

func TestExtractMarkdown(t *testing.T) {
	res := Extract("README.md", []byte("# Title\n\nBody"))
	assert.Empty(t, res.Error)
	assert.Contains(t, res.Text, "# Title")
}

func TestExtractLatin1Fallback(t *testing.T) {
	// 0xE9 is é in Latin-1 but invalid standalone UTF-8.
	res := Extract("legacy.txt", []byte{'c', 'a', 'f', 0xE9})
	assert.Empty(t, res.Error)
	assert.Equal(t, "café", res.Text)
}

func TestExtractUnsupportedType(t *testing.T) {
	res := Extract("image.png", []byte{0x89, 0x50})
	assert.Contains(t, res.Error, "unsupported file type")
	assert.Empty(t, res.Text)
}

func TestExtractCorruptPDFReportsError(t *testing.T) {
	res := Extract("broken.pdf", []byte("not a pdf"))
	assert.Contains(t, res.Error, "pdf extraction failed")
}

func TestExtractCorruptDocxReportsError(t *testing.T) {
	res := Extract("broken.docx", []byte("not a zip"))
	assert.Contains(t, res.Error, "docx extraction failed")
}
