package session

import (
	"fmt"
	"sync"
)

// PersonalTarget is the number of questions that unlocks the personalized analysis.
const PersonalTarget = 10

// ProgressState is a snapshot of the tracker.
type ProgressState struct {
	TotalQuestionCount  int  `json:"totalQuestionCount"`
	PersonalModeEnabled bool `json:"personalModeEnabled"`
	TargetCount         int  `json:"targetCount"`
	AnalysisCompleted   bool `json:"analysisCompleted"`
}

// Report is the user-facing view of the tracker.
type Report struct {
	Percentage float64 `json:"percentage"`
	Remaining  int     `json:"remaining"`
	Message    string  `json:"message"`
}

// Progress counts questions for one page session. AnalysisCompleted is a
// one-way latch.
type Progress struct {
	mu    sync.Mutex
	state ProgressState
}

func NewProgress() *Progress {
	return &Progress{state: ProgressState{TargetCount: PersonalTarget}}
}

// Toggle flips personalized mode. Turning it on resets the target; turning it
// off keeps the count and the latch.
func (p *Progress) Toggle() ProgressState {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.PersonalModeEnabled = !p.state.PersonalModeEnabled
	if p.state.PersonalModeEnabled {
		p.state.TargetCount = PersonalTarget
	}
	return p.state
}

// Increment counts one dispatched question and reports whether this call
// completed the analysis.
func (p *Progress) Increment() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.TotalQuestionCount++
	if !p.state.PersonalModeEnabled || p.state.AnalysisCompleted {
		return false
	}
	if p.state.TotalQuestionCount >= p.state.TargetCount {
		p.state.AnalysisCompleted = true
		return true
	}
	return false
}

func (p *Progress) State() ProgressState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Compute returns a zero Report while the mode is off or once the analysis is done.
func (p *Progress) Compute() Report {
	return computeReport(p.State())
}

func computeReport(s ProgressState) Report {
	if !s.PersonalModeEnabled || s.AnalysisCompleted || s.TargetCount <= 0 {
		return Report{}
	}
	pct := float64(s.TotalQuestionCount) / float64(s.TargetCount) * 100
	if pct > 100 {
		pct = 100
	}
	remaining := max(0, s.TargetCount-s.TotalQuestionCount)
	return Report{Percentage: pct, Remaining: remaining, Message: progressMessage(remaining)}
}

func progressMessage(remaining int) string {
	switch {
	case remaining > 5:
		return fmt.Sprintf("Personalized mode is on: %d questions left", remaining)
	case remaining >= 3:
		return fmt.Sprintf("Almost there: %d questions left", remaining)
	case remaining == 2:
		return "Keep going, just 2 more!"
	case remaining == 1:
		return "Last one! 1 question left"
	default:
		return "All done! Your personalized analysis is ready."
	}
}
