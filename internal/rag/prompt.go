package rag

import (
	"fmt"
	"strings"

	"rag-gateway/internal/models"
)

// BuildPrompt joins the matched chunk texts into the context section of the
// prompt template. With no matches the context section stays empty.
func BuildPrompt(matches []models.Match, question string) string {
	texts := make([]string, len(matches))
	for i, m := range matches {
		texts[i] = m.Chunk.Content
	}
	return fmt.Sprintf(models.PromptTemplate, strings.Join(texts, models.ContextSeparator), question)
}
