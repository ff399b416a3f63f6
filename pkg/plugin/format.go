package plugin

import (
	"fmt"
	"strings"

	"github.com/oyxning/astrbot-plugin-livingmemory/internal/store"
)

// Delimiters around the injected memory block in the system prompt.
const (
	memoryInjectionHeader = "<long_term_memory>"
	memoryInjectionFooter = "</long_term_memory>"
)

type recallResult struct {
	record store.Record
}

// formatMemoriesForInjection renders recalled memories as a delimited block
// with one "[importance: X.XX] content" line per entry.
func formatMemoriesForInjection(memories []recallResult) string {
	if len(memories) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(memoryInjectionHeader)
	sb.WriteString("\n")
	for _, m := range memories {
		fmt.Fprintf(&sb, "- [importance: %.2f] %s\n", m.record.Metadata.Importance, m.record.Content)
	}
	sb.WriteString(memoryInjectionFooter)
	return sb.String()
}
