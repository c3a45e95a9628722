package domain

import "errors"

var ErrArtifactAlreadySet = errors.New("artifact already set for this run")

// Artifacts accumulates what each stage of a run produced. Goal, report and
// feedback are write-once until Reset; the plan slot only moves forward to a
// newer version.
type Artifacts struct {
	StructuredGoal *StructuredGoal `json:"structured_goal,omitempty"`
	ResearchReport *ResearchReport `json:"research_report,omitempty"`
	Plan           *Plan           `json:"plan,omitempty"`
	Feedback       *FeedbackRecord `json:"feedback,omitempty"`
}

func (a *Artifacts) Reset() {
	*a = Artifacts{}
}

func (a *Artifacts) SetStructuredGoal(goal StructuredGoal) error {
	if a.StructuredGoal != nil {
		return ErrArtifactAlreadySet
	}
	a.StructuredGoal = &goal
	return nil
}

func (a *Artifacts) SetResearchReport(report ResearchReport) error {
	if a.ResearchReport != nil {
		return ErrArtifactAlreadySet
	}
	a.ResearchReport = &report
	return nil
}

func (a *Artifacts) SetFeedback(record FeedbackRecord) error {
	if a.Feedback != nil {
		return ErrArtifactAlreadySet
	}
	a.Feedback = &record
	return nil
}

func (a *Artifacts) SetPlan(plan Plan) error {
	if a.Plan != nil && plan.Version <= a.Plan.Version {
		return ErrArtifactAlreadySet
	}
	a.Plan = &plan
	return nil
}

// ClearFeedback lets a session take another round of feedback while keeping
// the goal, report and latest plan.
func (a *Artifacts) ClearFeedback() {
	a.Feedback = nil
}

func (a Artifacts) Clone() Artifacts {
	out := Artifacts{}
	if a.StructuredGoal != nil {
		g := *a.StructuredGoal
		g.Constraints = append([]string(nil), g.Constraints...)
		out.StructuredGoal = &g
	}
	if a.ResearchReport != nil {
		r := *a.ResearchReport
		r.Findings = append([]string(nil), r.Findings...)
		r.Sources = append([]string(nil), r.Sources...)
		out.ResearchReport = &r
	}
	if a.Plan != nil {
		p := a.Plan.Clone()
		out.Plan = &p
	}
	if a.Feedback != nil {
		f := *a.Feedback
		out.Feedback = &f
	}
	return out
}

func (p Plan) Clone() Plan {
	out := p
	out.Tasks = make([]Task, len(p.Tasks))
	for i, t := range p.Tasks {
		t.DependsOn = append([]string(nil), t.DependsOn...)
		out.Tasks[i] = t
	}
	return out
}
