package memory

// ReadinessSignals are derived booleans over the fact set, plus a 0-100
// score. They gate a "proceed" affordance in the UI, never the draft step
// itself, and are recomputed on demand rather than stored.
type ReadinessSignals struct {
	HasGoal        bool `json:"has_goal"`
	HasOutput      bool `json:"has_output"`
	HasTrigger     bool `json:"has_trigger"`
	HasDestination bool `json:"has_destination"`
	HasScope       bool `json:"has_scope"`

	Score int `json:"score"`
}

// Readiness derives the signals from the memory's facts.
func Readiness(m *Memory) ReadinessSignals {
	if m == nil {
		return ReadinessSignals{}
	}

	s := ReadinessSignals{
		HasGoal:        m.HasFact(FactObjective),
		HasOutput:      m.HasFact(FactSuccessCriteria),
		HasTrigger:     m.HasFact(FactTriggerCadence) || m.HasFact(FactTriggerTime),
		HasDestination: m.HasFact(FactDestination),
		HasScope:       m.HasFact(FactScope) || m.HasFact(FactPolicy),
	}

	for _, present := range []bool{s.HasGoal, s.HasOutput, s.HasTrigger, s.HasDestination, s.HasScope} {
		if present {
			s.Score += 20
		}
	}
	return s
}
