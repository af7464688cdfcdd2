package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFileName(t *testing.T) {
	assert.Equal(t, "thesis.docx", sanitizeFileName("thesis.docx"))
	assert.Equal(t, "passwd", sanitizeFileName("../../etc/passwd"))
	assert.Equal(t, "a_b.pdf", sanitizeFileName("a\x00b.pdf"))
}

func TestAllowedExtensions(t *testing.T) {
	assert.True(t, allowedExtensions[".docx"])
	assert.True(t, allowedExtensions[".pdf"])
	assert.False(t, allowedExtensions[".exe"])
	assert.False(t, allowedExtensions[""])
}
