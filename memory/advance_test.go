package memory

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/flowdraft/workflow"
)

func TestExtractScheduleFacts(t *testing.T) {
	eng := NewEngine()
	mem := New("v1")

	next, out := eng.Advance(mem, Input{
		UserMessage: "let's run this every day at 8am",
	})

	assert.Equal(t, "daily", next.Facts[FactTriggerCadence])
	assert.Equal(t, "8am", next.Facts[FactTriggerTime])
	assert.Equal(t, "Adding a daily schedule (8am)", out.Activity)
	// Deterministic extraction must not depend on the draft step.
	assert.NotEqual(t, SourceDraft, out.Source)
}

func TestExtractCadenceVariants(t *testing.T) {
	tests := []struct {
		message string
		cadence string
	}{
		{"run it daily please", "daily"},
		{"every week on monday", "weekly"},
		{"every friday", "weekly"},
		{"once a month", "monthly"},
		{"refresh hourly", "hourly"},
		{"every weekday before standup", "weekday"},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			mem := New("v1")
			ExtractFromMessage(mem, tt.message)
			assert.Equal(t, tt.cadence, mem.Facts[FactTriggerCadence])
		})
	}
}

func TestFactsAreAdditiveOnly(t *testing.T) {
	mem := New("v1")
	require.True(t, mem.SetFact(FactObjective, "summarize tickets"))
	require.False(t, mem.SetFact(FactObjective, "something else"))
	assert.Equal(t, "summarize tickets", mem.Facts[FactObjective])

	// Document-sourced values never overwrite message-sourced ones.
	ExtractFromDocument(mem, &workflow.Document{Outcome: "different outcome"})
	assert.Equal(t, "summarize tickets", mem.Facts[FactObjective])
}

func TestStageProgression(t *testing.T) {
	eng := NewEngine()

	mem := New("v1")
	_, out := eng.Advance(mem, Input{UserMessage: "hi"})
	assert.Equal(t, StageRequirements, out.Stage)

	// Trigger facts satisfy requirements; objective is next.
	mem = New("v1")
	next, out := eng.Advance(mem, Input{UserMessage: "every day at 8am"})
	assert.Equal(t, StageObjectives, out.Stage)

	// Objective present -> success criteria next.
	next, out = eng.Advance(next, Input{
		UserMessage:      "ok",
		Document:         &workflow.Document{Outcome: "triage inbound email"},
		ObservedRevision: next.BuiltRevision,
	})
	assert.Equal(t, StageSuccess, out.Stage)

	// Success criteria present -> systems next.
	next, out = eng.Advance(next, Input{
		UserMessage: "ok",
		Document: &workflow.Document{
			Outcome:         "triage inbound email",
			SuccessCriteria: []string{"all email labeled within 5 minutes"},
		},
		ObservedRevision: next.BuiltRevision,
	})
	assert.Equal(t, StageSystems, out.Stage)

	// Systems and destination present, no sample talk -> done.
	next, out = eng.Advance(next, Input{
		UserMessage: "ok",
		Document: &workflow.Document{
			Outcome:         "triage inbound email",
			SuccessCriteria: []string{"all email labeled within 5 minutes"},
			Systems:         []string{"Gmail"},
			Destination:     "Slack #ops",
		},
		ObservedRevision: next.BuiltRevision,
	})
	assert.Equal(t, StageDone, out.Stage)
	assert.Empty(t, out.FollowUp)
}

func TestStageSamplesWhenMessageSuggestsCalibration(t *testing.T) {
	eng := NewEngine()
	mem := New("v1")
	mem.SetFact(FactTriggerCadence, "daily")
	mem.SetFact(FactObjective, "o")
	mem.SetFact(FactSuccessCriteria, "s")
	mem.SetFact(FactSystems, "sys")

	_, out := eng.Advance(mem, Input{UserMessage: "I can send a sample report to match"})
	assert.Equal(t, StageSamples, out.Stage)
	assert.Contains(t, out.FollowUp, "sample")
}

func TestStageMonotonicAcrossTurns(t *testing.T) {
	eng := NewEngine()
	mem := New("v1")
	mem.Stage = StageSystems
	mem.SetFact(FactTriggerCadence, "daily")
	mem.BuiltRevision = 4

	// Facts alone would put this at objectives, but stage never
	// regresses while memory is continuous.
	next, out := eng.Advance(mem, Input{UserMessage: "ok", ObservedRevision: 4})
	assert.Equal(t, StageSystems, out.Stage)
	assert.Equal(t, StageSystems, next.Stage)
}

func TestStalenessResetOnRevisionMismatch(t *testing.T) {
	eng := NewEngine()
	mem := New("v1")
	mem.Stage = StageSystems
	mem.SetFact(FactObjective, "old objective")
	mem.BuiltRevision = 3
	mem.BuiltLastMessageID = "m-old"

	// The document moved underneath us (revision 7 != 3): stored memory
	// is discarded before extraction.
	next, out := eng.Advance(mem, Input{
		UserMessage:        "hello again",
		ObservedRevision:   7,
		NewRevision:        8,
		PriorUserMessageID: "m-old",
	})

	assert.False(t, next.HasFact(FactObjective))
	assert.Equal(t, StageRequirements, out.Stage)
	assert.Equal(t, uint64(8), next.BuiltRevision)
}

func TestStalenessResetOnMessageHeadMismatch(t *testing.T) {
	eng := NewEngine()
	mem := New("v1")
	mem.SetFact(FactObjective, "old")
	mem.BuiltRevision = 3
	mem.BuiltLastMessageID = "m-a"

	next, _ := eng.Advance(mem, Input{
		UserMessage:        "hi",
		ObservedRevision:   3,
		PriorUserMessageID: "m-b",
	})
	assert.False(t, next.HasFact(FactObjective))
}

func TestFollowUpPrecedence(t *testing.T) {
	eng := NewEngine()

	// Draft candidate wins when fresh.
	mem := New("v1")
	_, out := eng.Advance(mem, Input{
		UserMessage: "hi",
		Candidate:   "What team owns this process?",
	})
	assert.Equal(t, "What team owns this process?", out.FollowUp)
	assert.Equal(t, SourceDraft, out.Source)

	// A candidate that was already asked (modulo punctuation/case) falls
	// through to the canned stage question.
	mem = New("v1")
	mem.recordAsked(Normalize("What team owns this process?"), 20)
	_, out = eng.Advance(mem, Input{
		UserMessage: "hi",
		Candidate:   "what team OWNS this process",
	})
	assert.Equal(t, SourceStage, out.Source)
	assert.NotEmpty(t, out.FollowUp)

	// Both exhausted: silence, and the turn still completes.
	mem = New("v1")
	mem.recordAsked(Normalize("What team owns this process?"), 20)
	mem.recordAsked(Normalize(defaultTemplates[StageRequirements]), 20)
	next, out := eng.Advance(mem, Input{
		UserMessage: "hi",
		Candidate:   "What team owns this process?",
	})
	assert.Empty(t, out.FollowUp)
	assert.Equal(t, mem.QuestionCount, next.QuestionCount)
}

func TestQuestionNonRepetition(t *testing.T) {
	eng := NewEngine()
	mem := New("v1")

	asked := make(map[string]bool)
	for i := 0; i < 6; i++ {
		var out Outcome
		mem, out = eng.Advance(mem, Input{
			UserMessage:        "hi",
			ObservedRevision:   mem.BuiltRevision,
			PriorUserMessageID: mem.BuiltLastMessageID,
		})
		if out.FollowUp == "" || out.CapReached {
			continue
		}
		norm := Normalize(out.FollowUp)
		assert.False(t, asked[norm], "follow-up repeated: %q", out.FollowUp)
		asked[norm] = true
	}
}

func TestCapTermination(t *testing.T) {
	eng := NewEngine(WithQuestionCap(2))
	mem := New("v1")
	mem.QuestionCount = 2

	for i := 0; i < 3; i++ {
		var out Outcome
		mem, out = eng.Advance(mem, Input{
			UserMessage:        fmt.Sprintf("message %d with a sample mention", i),
			Candidate:          fmt.Sprintf("fresh question %d?", i),
			ObservedRevision:   mem.BuiltRevision,
			PriorUserMessageID: mem.BuiltLastMessageID,
		})
		assert.Equal(t, CompletionMessage, out.FollowUp)
		assert.Equal(t, StageDone, out.Stage)
		assert.True(t, out.CapReached)
		assert.Equal(t, 2, mem.QuestionCount, "cap message does not count as a question")
	}
}

func TestAskedWindowBounded(t *testing.T) {
	mem := New("v1")
	for i := 0; i < 30; i++ {
		mem.recordAsked(fmt.Sprintf("q%d", i), 5)
	}
	assert.Len(t, mem.AskedQuestions, 5)
	assert.Equal(t, "q29", mem.AskedQuestions[4])
}

func TestAdvanceDoesNotMutateInput(t *testing.T) {
	eng := NewEngine()
	mem := New("v1")

	_, _ = eng.Advance(mem, Input{UserMessage: "every day at 8am"})

	assert.Empty(t, mem.Facts, "input memory must stay untouched")
	assert.Zero(t, mem.QuestionCount)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t,
		Normalize("What team owns this process?"),
		Normalize("  what TEAM owns this process!! "))
	assert.Equal(t, "whats next", Normalize("What's next?"))
}

func TestReadiness(t *testing.T) {
	mem := New("v1")
	assert.Equal(t, 0, Readiness(mem).Score)

	mem.SetFact(FactObjective, "o")
	mem.SetFact(FactTriggerCadence, "daily")
	sig := Readiness(mem)
	assert.True(t, sig.HasGoal)
	assert.True(t, sig.HasTrigger)
	assert.False(t, sig.HasDestination)
	assert.Equal(t, 40, sig.Score)

	mem.SetFact(FactSuccessCriteria, "s")
	mem.SetFact(FactDestination, "d")
	mem.SetFact(FactScope, "sc")
	assert.Equal(t, 100, Readiness(mem).Score)
}
