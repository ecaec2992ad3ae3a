package memory

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/c360studio/flowdraft/workflow"
)

// Fact extraction is heuristic and additive: pattern-matched values from
// the raw message and structured values pulled from the workflow document,
// never overwriting a fact that is already set.

var (
	cadencePatterns = []struct {
		re      *regexp.Regexp
		cadence string
	}{
		{regexp.MustCompile(`(?i)\b(?:every\s+weekday|on\s+weekdays|weekdays)\b`), "weekday"},
		{regexp.MustCompile(`(?i)\b(?:every\s+day|daily|each\s+day|once\s+a\s+day)\b`), "daily"},
		{regexp.MustCompile(`(?i)\b(?:every\s+week|weekly|each\s+week|once\s+a\s+week|every\s+(?:mon|tues|wednes|thurs|fri|satur|sun)day)\b`), "weekly"},
		{regexp.MustCompile(`(?i)\b(?:every\s+month|monthly|each\s+month|once\s+a\s+month)\b`), "monthly"},
		{regexp.MustCompile(`(?i)\b(?:every\s+hour|hourly|each\s+hour)\b`), "hourly"},
	}

	timePattern = regexp.MustCompile(`(?i)\bat\s+(\d{1,2}(?::\d{2})?\s?(?:am|pm))\b`)

	samplePattern = regexp.MustCompile(`(?i)\b(?:sample|example\s+(?:doc|document|file|report)|template|format\s+like)\b`)
)

// ExtractFromMessage pattern-matches cadence/time phrases in the raw user
// message. Returns a human-readable activity summary when scheduling facts
// were recorded this turn, e.g. "Adding a daily schedule (8am)".
func ExtractFromMessage(m *Memory, message string) string {
	var cadenceSet, timeSet bool

	for _, p := range cadencePatterns {
		if p.re.MatchString(message) {
			cadenceSet = m.SetFact(FactTriggerCadence, p.cadence)
			break
		}
	}

	if match := timePattern.FindStringSubmatch(message); match != nil {
		normalized := strings.ToLower(strings.ReplaceAll(match[1], " ", ""))
		timeSet = m.SetFact(FactTriggerTime, normalized)
	}

	switch {
	case cadenceSet && timeSet:
		return fmt.Sprintf("Adding a %s schedule (%s)", m.Facts[FactTriggerCadence], m.Facts[FactTriggerTime])
	case cadenceSet:
		return fmt.Sprintf("Adding a %s schedule", m.Facts[FactTriggerCadence])
	case timeSet:
		return fmt.Sprintf("Adding a schedule (%s)", m.Facts[FactTriggerTime])
	}
	return ""
}

// ExtractFromDocument pulls structured values out of the workflow document
// sections. Document-sourced facts never overwrite message-sourced ones.
func ExtractFromDocument(m *Memory, doc *workflow.Document) {
	if doc == nil {
		return
	}

	m.SetFact(FactObjective, strings.TrimSpace(doc.Outcome))

	if len(doc.SuccessCriteria) > 0 {
		m.SetFact(FactSuccessCriteria, strings.Join(doc.SuccessCriteria, "; "))
	}
	if len(doc.Systems) > 0 {
		m.SetFact(FactSystems, strings.Join(doc.Systems, ", "))
	}
	m.SetFact(FactDestination, strings.TrimSpace(doc.Destination))
	m.SetFact(FactScope, strings.TrimSpace(doc.Scope))

	if doc.Trigger.Cadence != "" {
		m.SetFact(FactTriggerCadence, doc.Trigger.Cadence)
	}
	if doc.Trigger.Time != "" {
		m.SetFact(FactTriggerTime, doc.Trigger.Time)
	}
}

// wantsSampleCalibration reports whether the message suggests the user has
// reference documents worth calibrating against.
func wantsSampleCalibration(message string) bool {
	return samplePattern.MatchString(message)
}

// computeStage derives the stage from fact presence in fixed priority
// order. The message content only matters for the samples stage.
func computeStage(m *Memory, message string) Stage {
	hasRequirements := m.HasFact(FactTriggerCadence) || m.HasFact(FactTriggerTime) || m.HasFact(FactScope)

	switch {
	case !hasRequirements:
		return StageRequirements
	case !m.HasFact(FactObjective):
		return StageObjectives
	case !m.HasFact(FactSuccessCriteria):
		return StageSuccess
	case !m.HasFact(FactSystems) && !m.HasFact(FactDestination) && !m.HasFact(FactPolicy):
		return StageSystems
	case wantsSampleCalibration(message):
		return StageSamples
	default:
		return StageDone
	}
}
