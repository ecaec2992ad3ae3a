// Package memory implements the conversation memory engine: the extracted
// fact set, the discrete stage machine that decides what to ask next, the
// normalized asked-question window that prevents near-duplicate follow-ups,
// and the hard cap that stops the interrogation.
package memory

import (
	"strings"
	"time"
	"unicode"
)

// Stage is the discrete phase of the conversation. Stages advance as facts
// accumulate and never regress within a conversation, except when stored
// memory is discarded by the staleness check.
type Stage string

const (
	StageRequirements Stage = "requirements"
	StageObjectives   Stage = "objectives"
	StageSuccess      Stage = "success"
	StageSystems      Stage = "systems"
	StageSamples      Stage = "samples"
	StageDone         Stage = "done"
)

// stageRank orders stages for the monotonicity guard.
var stageRank = map[Stage]int{
	StageRequirements: 0,
	StageObjectives:   1,
	StageSuccess:      2,
	StageSystems:      3,
	StageSamples:      4,
	StageDone:         5,
}

// rank returns the ordering index of the stage, defaulting to requirements
// for unknown values.
func (s Stage) rank() int {
	return stageRank[s]
}

// Well-known fact keys. Facts are free-form beyond these, but extraction
// and stage computation only consult the keys below.
const (
	FactTriggerCadence  = "trigger_cadence"
	FactTriggerTime     = "trigger_time"
	FactScope           = "scope"
	FactObjective       = "objective"
	FactSuccessCriteria = "success_criteria"
	FactSystems         = "systems"
	FactDestination     = "destination"
	FactPolicy          = "policy"
)

// Memory is the durable conversation state, keyed by conversation (not by
// run). Loaded once per run, mutated in memory, persisted at run
// completion.
type Memory struct {
	ConversationID string `json:"conversation_id"`

	// Facts maps fact keys to extracted values. Additive-only: once a
	// fact is set it is never overwritten by a lower-confidence source.
	Facts map[string]string `json:"facts"`

	// Stage is the current conversation phase.
	Stage Stage `json:"stage"`

	// AskedQuestions holds the normalized text of previously posed
	// follow-ups, most recent last, bounded to the engine's window.
	AskedQuestions []string `json:"asked_questions"`

	// QuestionCount counts follow-ups emitted so far. At the engine cap
	// the conversation is declared complete.
	QuestionCount int `json:"question_count"`

	// BuiltRevision is the workflow document revision this memory was
	// built against; a mismatch on load invalidates the memory.
	BuiltRevision uint64 `json:"built_revision"`

	// BuiltLastMessageID is the last user message this memory saw.
	BuiltLastMessageID string `json:"built_last_message_id"`

	UpdatedAt time.Time `json:"updated_at"`
}

// New creates empty memory for a conversation.
func New(conversationID string) *Memory {
	return &Memory{
		ConversationID: conversationID,
		Facts:          make(map[string]string),
		Stage:          StageRequirements,
	}
}

// Clone returns a deep copy. Advance operates on a clone so callers keep
// the loaded memory intact if persistence later fails.
func (m *Memory) Clone() *Memory {
	c := *m
	c.Facts = make(map[string]string, len(m.Facts))
	for k, v := range m.Facts {
		c.Facts[k] = v
	}
	c.AskedQuestions = append([]string(nil), m.AskedQuestions...)
	return &c
}

// SetFact records a fact if it is not already set. Returns true when the
// fact was newly recorded.
func (m *Memory) SetFact(key, value string) bool {
	if value == "" {
		return false
	}
	if _, exists := m.Facts[key]; exists {
		return false
	}
	m.Facts[key] = value
	return true
}

// HasFact reports whether the fact is set.
func (m *Memory) HasFact(key string) bool {
	_, ok := m.Facts[key]
	return ok
}

// Asked reports whether a question with the same normalized text was
// already posed.
func (m *Memory) Asked(normalized string) bool {
	for _, q := range m.AskedQuestions {
		if q == normalized {
			return true
		}
	}
	return false
}

// recordAsked appends a normalized question, trimming to the window.
func (m *Memory) recordAsked(normalized string, window int) {
	m.AskedQuestions = append(m.AskedQuestions, normalized)
	if window > 0 && len(m.AskedQuestions) > window {
		m.AskedQuestions = m.AskedQuestions[len(m.AskedQuestions)-window:]
	}
}

// StaleAgainst reports whether stored memory was built against a different
// document revision or a different last user message than the ones now
// observed. Stale memory must be discarded before extracting facts for the
// current turn.
func (m *Memory) StaleAgainst(documentRevision uint64, lastUserMessageID string) bool {
	if m.BuiltRevision != documentRevision {
		return true
	}
	return m.BuiltLastMessageID != lastUserMessageID
}

// Normalize lowercases a question and strips punctuation so near-duplicate
// phrasings collide in the asked-question window.
func Normalize(question string) string {
	var b strings.Builder
	b.Grow(len(question))
	lastSpace := true
	for _, r := range strings.ToLower(question) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || unicode.IsPunct(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
