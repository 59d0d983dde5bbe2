// Package knol derives stable identifiers for highlights.
package knol

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/conorfennell/readback/internal/domain"
)

// Normalize reduces a highlight to the parts that identify it: the article
// URL and the quoted text. Case, surrounding whitespace, line endings and
// runs of inner whitespace are ignored; notes and titles are not part of
// the identity so editing them keeps the review history.
func Normalize(h domain.Highlight) string {
	url := strings.TrimRight(strings.TrimSpace(h.ArticleURL), "/")
	text := strings.ReplaceAll(h.Text, "\r\n", "\n")
	text = strings.Join(strings.Fields(strings.ToLower(text)), " ")
	return strings.ToLower(url) + "\n" + text
}

// Hash returns the SHA-256 hex digest of the normalized highlight.
func Hash(h domain.Highlight) string {
	sum := sha256.Sum256([]byte(Normalize(h)))
	return fmt.Sprintf("%x", sum)
}
