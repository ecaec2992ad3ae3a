// Package workflow holds the workflow document model drafted on behalf of
// the user, plus its JetStream-backed store. The document itself is an
// external collaborator surface: the draft step produces it and the memory
// engine reads structured values out of it, but diffing and rendering live
// elsewhere.
package workflow

import "time"

// Document is the structured workflow draft for one conversation.
type Document struct {
	// Title is a short human-readable name for the process.
	Title string `json:"title,omitempty"`

	// Outcome is the business objective the workflow exists to achieve.
	Outcome string `json:"outcome,omitempty"`

	// SuccessCriteria describes how a run of the workflow is judged.
	SuccessCriteria []string `json:"success_criteria,omitempty"`

	// Trigger describes when the workflow runs (cadence, time, event).
	Trigger Trigger `json:"trigger,omitempty"`

	// Systems lists the systems of record the workflow touches.
	Systems []string `json:"systems,omitempty"`

	// Destination is where output is delivered (inbox, sheet, webhook...).
	Destination string `json:"destination,omitempty"`

	// Scope captures explicit inclusions/exclusions and policy notes.
	Scope string `json:"scope,omitempty"`

	// Steps is the ordered list of drafted workflow steps.
	Steps []Step `json:"steps,omitempty"`

	// UpdatedAt is when the draft step last touched the document.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Trigger describes workflow scheduling.
type Trigger struct {
	Cadence string `json:"cadence,omitempty"` // e.g. "daily", "weekly"
	Time    string `json:"time,omitempty"`    // e.g. "8am"
	Event   string `json:"event,omitempty"`   // e.g. "new row in sheet"
}

// Step is one drafted workflow step.
type Step struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	System      string `json:"system,omitempty"`
}

// Snapshot pairs a document with the storage revision it was read at.
// Revision 0 means the document does not exist yet. The memory engine uses
// the revision for its staleness check.
type Snapshot struct {
	Document *Document
	Revision uint64
}

// Empty reports whether the snapshot holds no document yet.
func (s Snapshot) Empty() bool {
	return s.Document == nil || s.Revision == 0
}
