// Package stages contains the built-in processing stages for the
// verification pipeline. They are deterministic, dependency-free reference
// implementations; deployments swap individual stages for model-backed ones
// by registering their own StageFunc under the same name.
package stages

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/crisislens/pipeline/pkg/engine"
	"github.com/crisislens/pipeline/pkg/models"
)

// Risk contribution keywords, weighted by how actionable the hazard is.
var hazardWeights = map[string]float64{
	"collapsed":  0.35,
	"collapse":   0.35,
	"explosion":  0.35,
	"outbreak":   0.3,
	"flood":      0.25,
	"flooding":   0.25,
	"fire":       0.25,
	"earthquake": 0.25,
	"evacuate":   0.2,
	"evacuation": 0.2,
	"casualties": 0.3,
	"dead":       0.3,
	"injured":    0.2,
	"trapped":    0.25,
	"shortage":   0.15,
	"contaminat": 0.25,
}

var topicKeywords = map[string][]string{
	"flood":          {"flood", "water", "dam", "levee", "rain"},
	"fire":           {"fire", "wildfire", "smoke", "burn"},
	"earthquake":     {"earthquake", "quake", "aftershock", "tremor"},
	"health":         {"outbreak", "virus", "disease", "hospital", "contaminat"},
	"infrastructure": {"bridge", "road", "power", "grid", "collapse", "collapsed"},
}

// Default returns the full stage registry used by the worker and the API
// service.
func Default() map[engine.Stage]engine.StageFunc {
	return map[engine.Stage]engine.StageFunc{
		engine.StageNormalize:         Normalize,
		engine.StageExtractEntities:   ExtractEntities,
		engine.StageExtractClaims:     ExtractClaims,
		engine.StageAssignTopics:      AssignTopics,
		engine.StageRetrieveEvidence:  RetrieveEvidence,
		engine.StageAssessVeracity:    AssessVeracity,
		engine.StageCalculateRisk:     CalculateRisk,
		engine.StageDraftAdvisory:     DraftAdvisory,
		engine.StageTranslateAdvisory: TranslateAdvisory,
	}
}

// Normalize canonicalizes the raw item: trimmed, whitespace-collapsed text
// plus the identifying fields later stages rely on.
func Normalize(_ context.Context, state *models.WorkflowState) (*engine.StageUpdate, error) {
	text, _ := state.RawItem["text"].(string)

	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return nil, fmt.Errorf("raw item %s has no text", itemID(state))
	}

	output := map[string]any{
		"item_id":  itemID(state),
		"text":     text,
		"source":   stringField(state.RawItem, "source", "unknown"),
		"language": stringField(state.RawItem, "language", "en"),
	}

	return &engine.StageUpdate{Output: output}, nil
}

// ExtractEntities pulls capitalized token runs out of the normalized text as
// candidate named entities.
func ExtractEntities(_ context.Context, state *models.WorkflowState) (*engine.StageUpdate, error) {
	text, err := normalizedText(state)
	if err != nil {
		return nil, err
	}

	var (
		entities []string
		current  []string
		seen     = make(map[string]bool)
	)

	flush := func() {
		if len(current) == 0 {
			return
		}

		entity := strings.Join(current, " ")
		current = nil

		if !seen[entity] {
			seen[entity] = true
			entities = append(entities, entity)
		}
	}

	for i, word := range strings.Fields(text) {
		trimmed := strings.TrimFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})

		// Sentence-initial words are capitalized for grammar, not naming.
		if i > 0 && trimmed != "" && unicode.IsUpper([]rune(trimmed)[0]) {
			current = append(current, trimmed)

			continue
		}

		flush()
	}

	flush()

	output := map[string]any{"entities": entities}

	return &engine.StageUpdate{Output: output}, nil
}

// ExtractClaims splits the normalized text into sentences and keeps the ones
// asserting something checkable.
func ExtractClaims(_ context.Context, state *models.WorkflowState) (*engine.StageUpdate, error) {
	text, err := normalizedText(state)
	if err != nil {
		return nil, err
	}

	claims := make([]map[string]any, 0)

	for i, sentence := range splitSentences(text) {
		if !checkable(sentence) {
			continue
		}

		claims = append(claims, map[string]any{
			"claim_id": fmt.Sprintf("%s-c%d", itemID(state), i),
			"text":     strings.TrimRight(sentence, ".!?"),
		})
	}

	return &engine.StageUpdate{Output: claims}, nil
}

// AssignTopics tags the item with crisis topic labels by keyword match,
// falling back to "general".
func AssignTopics(_ context.Context, state *models.WorkflowState) (*engine.StageUpdate, error) {
	text, err := normalizedText(state)
	if err != nil {
		return nil, err
	}

	lower := strings.ToLower(text)
	topics := make([]string, 0)

	for topic, keywords := range topicKeywords {
		for _, keyword := range keywords {
			if strings.Contains(lower, keyword) {
				topics = append(topics, topic)

				break
			}
		}
	}

	if len(topics) == 0 {
		topics = append(topics, "general")
	}

	output := map[string]any{"topics": topics}

	return &engine.StageUpdate{Output: output}, nil
}

// RetrieveEvidence attaches corroborating snippets to each claim. Claims are
// processed concurrently; a claim whose retrieval fails is dropped from the
// output rather than failing the batch.
func RetrieveEvidence(ctx context.Context, state *models.WorkflowState) (*engine.StageUpdate, error) {
	claims := state.Claims()
	if len(claims) == 0 {
		return &engine.StageUpdate{Output: []map[string]any{}}, nil
	}

	enriched, errs := engine.ProcessClaimsParallel(ctx, claims, 0,
		func(_ context.Context, claim map[string]any) (map[string]any, error) {
			text, _ := claim["text"].(string)
			if text == "" {
				return nil, fmt.Errorf("claim %v has no text", claim["claim_id"])
			}

			evidence := []map[string]any{{
				"source":  stringField(state.RawItem, "source", "unknown"),
				"snippet": text,
				"kind":    "origin",
			}}

			result := cloneClaim(claim)
			result["evidence"] = evidence

			return result, nil
		})

	if len(enriched) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("evidence retrieval failed for all %d claims: %w", len(claims), errs[0])
	}

	return &engine.StageUpdate{Output: enriched}, nil
}

// AssessVeracity scores each evidenced claim. With only origin evidence the
// reference implementation labels claims unverified with low confidence;
// model-backed deployments replace this stage.
func AssessVeracity(ctx context.Context, state *models.WorkflowState) (*engine.StageUpdate, error) {
	raw, ok := state.Output(string(engine.StageRetrieveEvidence))
	if !ok {
		return nil, fmt.Errorf("retrieve_evidence output missing for %s", state.WorkflowID)
	}

	evidenced := asClaimList(raw)

	assessed, errs := engine.ProcessClaimsParallel(ctx, evidenced, 0,
		func(_ context.Context, claim map[string]any) (map[string]any, error) {
			result := cloneClaim(claim)

			sources := distinctSources(claim)
			if sources > 1 {
				result["verdict"] = "supported"
				result["confidence"] = 0.7
			} else {
				result["verdict"] = "unverified"
				result["confidence"] = 0.3
			}

			return result, nil
		})

	if len(errs) > 0 {
		return nil, errs[0]
	}

	return &engine.StageUpdate{Output: assessed}, nil
}

// CalculateRisk derives the item's risk score. A pre-scored item (an
// upstream classifier already ran) wins, clamped to [0, 1]; otherwise the
// score is the clamped sum of hazard keyword weights, discounted when every
// claim was verified.
func CalculateRisk(_ context.Context, state *models.WorkflowState) (*engine.StageUpdate, error) {
	score, fromUpstream := upstreamScore(state.RawItem)

	if !fromUpstream {
		text, err := normalizedText(state)
		if err != nil {
			return nil, err
		}

		lower := strings.ToLower(text)

		for keyword, weight := range hazardWeights {
			if strings.Contains(lower, keyword) {
				score += weight
			}
		}

		if allSupported(state) {
			score *= 0.5
		}
	}

	score = clamp(score, 0, 1)

	output := map[string]any{"risk_score": score, "upstream": fromUpstream}

	return &engine.StageUpdate{Output: output, RiskScore: &score}, nil
}

// DraftAdvisory composes the outbound advisory from everything the pipeline
// learned about the item.
func DraftAdvisory(_ context.Context, state *models.WorkflowState) (*engine.StageUpdate, error) {
	text, err := normalizedText(state)
	if err != nil {
		return nil, err
	}

	topics := topicList(state)

	advisory := map[string]any{
		"item_id":    itemID(state),
		"headline":   headline(text),
		"body":       text,
		"topics":     topics,
		"risk_level": riskLevel(state.RiskScore),
		"claims":     len(state.Claims()),
	}

	if state.NeedsHumanReview {
		advisory["review_status"] = string(state.HumanReviewStatus)
	}

	return &engine.StageUpdate{Output: advisory}, nil
}

// TranslateAdvisory renders the advisory into each requested language. The
// reference implementation passes the body through untranslated and flags it
// machine_translated=false so downstream consumers can tell.
func TranslateAdvisory(_ context.Context, state *models.WorkflowState) (*engine.StageUpdate, error) {
	raw, ok := state.Output(string(engine.StageDraftAdvisory))
	if !ok {
		return nil, fmt.Errorf("draft_advisory output missing for %s", state.WorkflowID)
	}

	advisory, _ := raw.(map[string]any)
	body, _ := advisory["body"].(string)

	translations := make(map[string]any)

	for _, lang := range targetLanguages(state.RawItem) {
		translations[lang] = map[string]any{
			"body":               body,
			"machine_translated": false,
		}
	}

	output := map[string]any{"translations": translations}

	return &engine.StageUpdate{Output: output}, nil
}
