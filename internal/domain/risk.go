/**
 * @description
 * This file defines the risk assessment model produced by the risk gate before
 * any balance change is committed. An assessment is ephemeral — it lives in the
 * transaction's metadata audit trail, never as a standalone durable entity.
 */

package domain

// Risk levels.
const (
	RiskLevelLow    = "low"
	RiskLevelMedium = "medium"
	RiskLevelHigh   = "high"
)

// Risk decisions.
const (
	RiskDecisionAllow  = "allow"
	RiskDecisionHold   = "hold_for_review"
	RiskDecisionReject = "reject"
)

// RiskAssessment is the gate's verdict on a proposed transaction.
type RiskAssessment struct {
	Score            float64  `json:"risk_score"`
	Level            string   `json:"risk_level"`
	Flags            []string `json:"flags,omitempty"`
	Decision         string   `json:"decision"`
	RequiresApproval bool     `json:"requires_approval"`
}

// LevelForScore maps a heuristic score to a risk level. Boundaries: low below
// 0.3, medium below 0.7, high at 0.7 and above.
func LevelForScore(score float64) string {
	switch {
	case score < 0.3:
		return RiskLevelLow
	case score < 0.7:
		return RiskLevelMedium
	default:
		return RiskLevelHigh
	}
}

// Metadata returns the assessment in the open key/value form stored on the
// transaction's audit trail.
func (a RiskAssessment) Metadata() map[string]any {
	m := map[string]any{
		"risk_score":        a.Score,
		"risk_level":        a.Level,
		"risk_decision":     a.Decision,
		"requires_approval": a.RequiresApproval,
	}
	if len(a.Flags) > 0 {
		m["risk_flags"] = a.Flags
	}
	return m
}
