package gateway

import (
	"strings"

	"bibliobot/internal/domain"
)

const blockTypeText = "text"

// ExtractText joins the text blocks of a reply with newlines, in order.
// Blocks of any other type are ignored.
func ExtractText(blocks []domain.ContentBlock) string {
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type != blockTypeText {
			continue
		}
		parts = append(parts, b.Text)
	}
	text := strings.Join(parts, "\n")
	if strings.TrimSpace(text) == "" {
		return NoAnswerMessage
	}
	return text
}
