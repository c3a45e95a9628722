// Package fsm decides which role speaks next in a planning conversation.
package fsm

import "helios/internal/domain"

type Turn struct {
	Speaker domain.Role
	Outcome Outcome
}

type Transition struct {
	From    domain.State `json:"from"`
	To      domain.State `json:"to"`
	Speaker domain.Role  `json:"next_speaker"`
	// Accepted is set when the turn finished the stage it was taken in.
	Accepted bool `json:"accepted"`
}

// Next is the turn-taking table. Any turn that does not finish the current
// stage hands the floor back to the role that owns it.
func Next(state domain.State, turn Turn) Transition {
	t := Transition{From: state, To: state}
	outcome := turn.Outcome
	if outcome == nil {
		outcome = Pending{}
	}

	switch state {
	case domain.StateInit:
		t.To, t.Speaker = domain.StateAnalyzing, domain.RoleAnalyst

	case domain.StateAnalyzing:
		t.Speaker = domain.RoleAnalyst
		if _, ok := outcome.(GoalClarified); ok && turn.Speaker == domain.RoleAnalyst {
			t.To, t.Speaker, t.Accepted = domain.StateResearching, domain.RoleResearcher, true
		}

	case domain.StateResearching:
		t.Speaker = domain.RoleResearcher
		if _, ok := outcome.(ResearchComplete); ok && turn.Speaker == domain.RoleResearcher {
			t.To, t.Speaker, t.Accepted = domain.StatePlanning, domain.RoleStrategist, true
		}

	case domain.StatePlanning:
		t.Speaker = domain.RoleStrategist
		if _, ok := outcome.(PlanProposed); ok && turn.Speaker == domain.RoleStrategist {
			t.To, t.Speaker, t.Accepted = domain.StateComplete, domain.RoleUser, true
		}

	case domain.StateFeedback:
		t.Speaker = domain.RoleAdaptor
		if turn.Speaker == domain.RoleAdaptor {
			t.Accepted = true
			if d, ok := outcome.(DirectiveIssued); ok && d.NoAction {
				t.To, t.Speaker = domain.StateComplete, domain.RoleUser
			} else {
				t.To, t.Speaker = domain.StatePlanning, domain.RoleStrategist
			}
		}

	default:
		t.Speaker = domain.RoleUser
	}
	return t
}

// Machine keeps the current state and the transitions taken since the last
// Reset. It is not safe for concurrent use.
type Machine struct {
	state   domain.State
	history []Transition
}

func NewMachine() *Machine {
	return &Machine{state: domain.StateInit}
}

func (m *Machine) State() domain.State {
	return m.state
}

func (m *Machine) Reset(state domain.State) {
	m.state = state
	m.history = nil
}

func (m *Machine) Step(turn Turn) Transition {
	t := Next(m.state, turn)
	m.state = t.To
	m.history = append(m.history, t)
	return t
}

// Fail moves a non-terminal machine to ERROR.
func (m *Machine) Fail() Transition {
	t := Transition{From: m.state, To: m.state, Speaker: domain.RoleUser}
	if !m.state.Terminal() {
		t.To = domain.StateError
	}
	m.state = t.To
	m.history = append(m.history, t)
	return t
}

func (m *Machine) History() []Transition {
	return append([]Transition(nil), m.history...)
}
