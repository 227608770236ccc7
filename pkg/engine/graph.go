// Package engine drives workflow state through the verification stage graph,
// persisting every mutation and enforcing the retry and human-review
// policies.
package engine

// Stage names one node of the verification graph. The processing stages run
// a StageFunc; human_review and complete are control nodes handled by the
// engine itself.
type Stage string

const (
	StageNormalize         Stage = "normalize"
	StageExtractEntities   Stage = "extract_entities"
	StageExtractClaims     Stage = "extract_claims"
	StageAssignTopics      Stage = "assign_topics"
	StageRetrieveEvidence  Stage = "retrieve_evidence"
	StageAssessVeracity    Stage = "assess_veracity"
	StageCalculateRisk     Stage = "calculate_risk"
	StageHumanReview       Stage = "human_review"
	StageDraftAdvisory     Stage = "draft_advisory"
	StageTranslateAdvisory Stage = "translate_advisory"
	StageComplete          Stage = "complete"
)

// ReviewThreshold is the risk score above which a run is routed through the
// human-review gate. Strictly greater-than: a score of exactly 0.7 proceeds
// unreviewed.
const ReviewThreshold = 0.7

// transitions is the linear portion of the stage graph. calculate_risk is
// absent because its successor depends on the risk score; NextStage resolves
// that branch.
var transitions = map[Stage]Stage{
	StageNormalize:         StageExtractEntities,
	StageExtractEntities:   StageExtractClaims,
	StageExtractClaims:     StageAssignTopics,
	StageAssignTopics:      StageRetrieveEvidence,
	StageRetrieveEvidence:  StageAssessVeracity,
	StageAssessVeracity:    StageCalculateRisk,
	StageHumanReview:       StageDraftAdvisory,
	StageDraftAdvisory:     StageTranslateAdvisory,
	StageTranslateAdvisory: StageComplete,
}

// processingStages lists the stages that require a registered StageFunc, in
// execution order.
var processingStages = []Stage{
	StageNormalize,
	StageExtractEntities,
	StageExtractClaims,
	StageAssignTopics,
	StageRetrieveEvidence,
	StageAssessVeracity,
	StageCalculateRisk,
	StageDraftAdvisory,
	StageTranslateAdvisory,
}

// NextStage resolves the successor of current. After calculate_risk the
// graph branches: scores above ReviewThreshold route through the
// human-review gate, everything else goes straight to advisory drafting.
func NextStage(current Stage, riskScore *float64) Stage {
	if current == StageCalculateRisk {
		if riskScore != nil && *riskScore > ReviewThreshold {
			return StageHumanReview
		}

		return StageDraftAdvisory
	}

	if next, ok := transitions[current]; ok {
		return next
	}

	return StageComplete
}

// ValidStage reports whether name is a known processing stage.
func ValidStage(name Stage) bool {
	for _, stage := range processingStages {
		if stage == name {
			return true
		}
	}

	return false
}
