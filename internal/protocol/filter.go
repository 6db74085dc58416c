package protocol

import "github.com/careloop/careloop/internal/episode"

// SeverityFilter returns the rule severities visible at a given risk level.
// CRITICAL rules are visible at every level; lower risk levels see fewer of
// the less severe rules.
func SeverityFilter(risk episode.RiskLevel) []Severity {
	switch risk {
	case episode.RiskHigh:
		return []Severity{SeverityCritical, SeverityHigh, SeverityModerate, SeverityLow}
	case episode.RiskMedium:
		return []Severity{SeverityCritical, SeverityHigh, SeverityModerate}
	default:
		return []Severity{SeverityCritical, SeverityHigh}
	}
}
