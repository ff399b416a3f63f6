package reflection

import (
	"fmt"
	"strings"

	"github.com/oyxning/astrbot-plugin-livingmemory/pkg/session"
)

// defaultExtractionPrompt is the stage-A base instruction, overridable via
// reflection_engine.event_extraction_prompt.
const defaultExtractionPrompt = `You are an analytical assistant. Read the conversation history carefully and extract multiple independent, meaningful memory events from it. Events can be facts, user preferences, goals, opinions, or changes in the relationship between the participants. Write each event from the assistant's first-person perspective. Return strictly the specified JSON format with no scoring information and no extra commentary.`

// defaultEvaluationPrompt is the stage-B base instruction, overridable via
// reflection_engine.evaluation_prompt.
const defaultEvaluationPrompt = `Evaluate how valuable each of the following memory entries is as long-term reference for future conversations. Give each a score between 0.0 and 1.0, where 1.0 means critically important and 0.0 means worthless.`

// extractionSchema documents the stage-A output contract inside the prompt.
const extractionSchema = `{
  "events": [
    {
      "temp_id": "a unique temporary string id you assign",
      "memory_content": "one self-contained sentence describing what happened",
      "event_type": "fact | preference | goal | opinion | relationship | other",
      "entities": [{"name": "entity name", "type": "entity type"}],
      "related_event_ids": ["temp_id of a related event"],
      "metadata": {}
    }
  ]
}`

// evaluationSchema documents the stage-B output contract inside the prompt.
const evaluationSchema = `{
  "scores": {
    "temp_id_1": 0.8,
    "temp_id_2": 0.35
  }
}`

// buildExtractionPrompt assembles the stage-A system prompt.
func buildExtractionPrompt(base, personaPrompt string) string {
	if strings.TrimSpace(base) == "" {
		base = defaultExtractionPrompt
	}
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(base))
	sb.WriteString("\n")
	if personaPrompt != "" {
		sb.WriteString("\nIMPORTANT: adopt the following persona while analyzing:\n<persona>")
		sb.WriteString(personaPrompt)
		sb.WriteString("</persona>\n")
	}
	sb.WriteString(`
CORE INSTRUCTIONS
1. Extract the key events from the conversation history below.
2. Return a single JSON object matching this schema. Assign every event a unique temp_id string.

OUTPUT FORMAT (JSON Schema)
`)
	sb.WriteString("```json\n")
	sb.WriteString(extractionSchema)
	sb.WriteString("\n```\n")
	return sb.String()
}

// buildEvaluationPrompt assembles the stage-B system prompt.
func buildEvaluationPrompt(base, personaPrompt string) string {
	if strings.TrimSpace(base) == "" {
		base = defaultEvaluationPrompt
	}
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(base))
	sb.WriteString("\n")
	if personaPrompt != "" {
		sb.WriteString("\nIMPORTANT: adopt the following persona while judging importance:\n<persona>")
		sb.WriteString(personaPrompt)
		sb.WriteString("</persona>\n")
	}
	sb.WriteString(`
CORE INSTRUCTIONS
1. The input is a JSON object holding memory events, each with a temp_id and content.
2. Score every event's long-term value for future conversations between 0.0 and 1.0.
3. Return a single JSON object matching this schema, keyed by temp_id.

OUTPUT FORMAT (JSON Schema)
`)
	sb.WriteString("```json\n")
	sb.WriteString(evaluationSchema)
	sb.WriteString("\n```\n")
	return sb.String()
}

// formatHistory flattens the history into role-prefixed lines, keeping only
// user and assistant turns.
func formatHistory(history []session.Message) string {
	var sb strings.Builder
	for _, msg := range history {
		if msg.Role != session.RoleUser && msg.Role != session.RoleAssistant {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
	}
	return strings.TrimSpace(sb.String())
}
