package stages

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/crisislens/pipeline/pkg/engine"
	"github.com/crisislens/pipeline/pkg/models"
)

func itemID(state *models.WorkflowState) string {
	if id, ok := state.RawItem["id"].(string); ok && id != "" {
		return id
	}

	return state.WorkflowID
}

func stringField(m map[string]any, key, fallback string) string {
	if value, ok := m[key].(string); ok && value != "" {
		return value
	}

	return fallback
}

func normalizedText(state *models.WorkflowState) (string, error) {
	raw, ok := state.Output(string(engine.StageNormalize))
	if !ok {
		return "", fmt.Errorf("normalize output missing for %s", state.WorkflowID)
	}

	normalized, _ := raw.(map[string]any)

	text, _ := normalized["text"].(string)
	if text == "" {
		return "", fmt.Errorf("normalize output for %s has no text", state.WorkflowID)
	}

	return text, nil
}

func splitSentences(text string) []string {
	sentences := make([]string, 0)

	start := 0

	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}

		if sentence := strings.TrimSpace(text[start : i+1]); sentence != "" {
			sentences = append(sentences, sentence)
		}

		start = i + 1
	}

	if tail := strings.TrimSpace(text[start:]); tail != "" {
		sentences = append(sentences, tail)
	}

	return sentences
}

// checkable filters out questions, exhortations and fragments. A claim needs
// a minimum of substance to be worth verifying.
func checkable(sentence string) bool {
	if strings.HasSuffix(sentence, "?") {
		return false
	}

	words := strings.Fields(sentence)
	if len(words) < 3 {
		return false
	}

	for _, r := range sentence {
		if unicode.IsNumber(r) {
			return true
		}
	}

	lower := strings.ToLower(sentence)

	for keyword := range hazardWeights {
		if strings.Contains(lower, keyword) {
			return true
		}
	}

	// Plain declaratives still count; imperatives ("stay away") rarely start
	// with a subject but that distinction needs real parsing.
	return len(words) >= 5
}

func cloneClaim(claim map[string]any) map[string]any {
	clone := make(map[string]any, len(claim))

	for key, value := range claim {
		clone[key] = value
	}

	return clone
}

func asClaimList(raw any) []map[string]any {
	switch typed := raw.(type) {
	case []map[string]any:
		return typed
	case []any:
		claims := make([]map[string]any, 0, len(typed))

		for _, entry := range typed {
			if claim, ok := entry.(map[string]any); ok {
				claims = append(claims, claim)
			}
		}

		return claims
	default:
		return nil
	}
}

func distinctSources(claim map[string]any) int {
	evidence, ok := claim["evidence"].([]map[string]any)
	if !ok {
		if generic, ok := claim["evidence"].([]any); ok {
			evidence = make([]map[string]any, 0, len(generic))

			for _, entry := range generic {
				if m, ok := entry.(map[string]any); ok {
					evidence = append(evidence, m)
				}
			}
		}
	}

	sources := make(map[string]bool)

	for _, item := range evidence {
		if source, ok := item["source"].(string); ok {
			sources[source] = true
		}
	}

	return len(sources)
}

func upstreamScore(rawItem map[string]any) (float64, bool) {
	switch value := rawItem["risk_score"].(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	default:
		return 0, false
	}
}

func allSupported(state *models.WorkflowState) bool {
	raw, ok := state.Output(string(engine.StageAssessVeracity))
	if !ok {
		return false
	}

	assessed := asClaimList(raw)
	if len(assessed) == 0 {
		return false
	}

	for _, claim := range assessed {
		if claim["verdict"] != "supported" {
			return false
		}
	}

	return true
}

func clamp(value, low, high float64) float64 {
	if value < low {
		return low
	}

	if value > high {
		return high
	}

	return value
}

func topicList(state *models.WorkflowState) []string {
	raw, ok := state.Output(string(engine.StageAssignTopics))
	if !ok {
		return nil
	}

	output, _ := raw.(map[string]any)

	switch typed := output["topics"].(type) {
	case []string:
		return typed
	case []any:
		topics := make([]string, 0, len(typed))

		for _, entry := range typed {
			if topic, ok := entry.(string); ok {
				topics = append(topics, topic)
			}
		}

		return topics
	default:
		return nil
	}
}

const headlineMaxWords = 12

func headline(text string) string {
	words := strings.Fields(text)
	if len(words) <= headlineMaxWords {
		return text
	}

	return strings.Join(words[:headlineMaxWords], " ") + "…"
}

func riskLevel(score *float64) string {
	switch {
	case score == nil:
		return "unknown"
	case *score > 0.8:
		return "critical"
	case *score > 0.7:
		return "high"
	case *score > 0.4:
		return "medium"
	default:
		return "low"
	}
}

var defaultLanguages = []string{"es", "fr"}

func targetLanguages(rawItem map[string]any) []string {
	switch typed := rawItem["languages"].(type) {
	case []string:
		if len(typed) > 0 {
			return typed
		}
	case []any:
		languages := make([]string, 0, len(typed))

		for _, entry := range typed {
			if lang, ok := entry.(string); ok {
				languages = append(languages, lang)
			}
		}

		if len(languages) > 0 {
			return languages
		}
	}

	return defaultLanguages
}
