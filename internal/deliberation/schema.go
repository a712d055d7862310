// Package deliberation implements the adapter contract (C7), the tool
// executor (C8), the vote/convergence engine (C9), and the round-based
// orchestrator (C10). Adapted in style from internal/executive/executive.go's
// round-processing and prompt-assembly pattern.
package deliberation

import (
	"time"

	"github.com/vthunder/delibd/internal/graph"
)

// Mode selects how many rounds the orchestrator forces (spec §4.10, §6).
type Mode string

const (
	ModeQuick      Mode = "quick"
	ModeConference Mode = "conference"
)

// Participant identifies one backend+model pair taking part in a
// deliberation (spec §3: "<model>@<backend>").
type Participant struct {
	CLI   string
	Model string
}

func (p Participant) String() string { return p.Model + "@" + p.CLI }

// DeliberateRequest is the inbound request (spec §6).
type DeliberateRequest struct {
	Question         string
	Participants      []Participant
	Rounds           int
	Mode             Mode
	Context          string
	WorkingDirectory string
}

// Vote is a structured annotation embedded in a participant's response
// (spec §4.9, GLOSSARY).
type Vote struct {
	Option         string
	Confidence     float64
	Rationale      string
	ContinueDebate bool // defaults true: see ParseVote
}

// RoundResponse is one participant's output for one round.
type RoundResponse struct {
	Round       int
	Participant string
	Response    string
	Timestamp   time.Time
}

// RoundVote pairs a parsed Vote with the round/participant it came from.
type RoundVote struct {
	Round       int
	Participant string
	Vote        Vote
	Timestamp   time.Time
}

// VotingResult is the aggregated outcome of all votes cast during a
// deliberation (spec §4.9).
type VotingResult struct {
	FinalTally       map[string]int
	VotesByRound     []RoundVote
	ConsensusReached bool
	WinningOption    *string
}

// ConvergenceInfo captures the terminal semantic/voting status of a
// deliberation (spec §3, §4.9).
type ConvergenceInfo struct {
	Detected                 bool
	DetectionRound           *int
	FinalSimilarity          float64
	Status                   graph.ConvergenceStatus
	PerParticipantSimilarity map[string]float64
}

// ToolRequest is a parsed TOOL_REQUEST payload (spec §4.8).
type ToolRequest struct {
	Name      string
	Arguments map[string]any
}

// ToolResult is the outcome of executing a ToolRequest.
type ToolResult struct {
	ToolName string
	Success  bool
	Output   string
	Error    string
}

// ToolExecutionRecord is one entry in the orchestrator's in-memory tool
// history, cleared at the start of every deliberation (spec §4.8, P9).
type ToolExecutionRecord struct {
	RoundNumber int
	RequestedBy string
	Request     ToolRequest
	Result      ToolResult
	Timestamp   time.Time
}

// Summary is the end-of-deliberation AI-generated (or placeholder) summary.
type Summary struct {
	Consensus           string
	KeyAgreements       []string
	KeyDisagreements    []string
	FinalRecommendation string
}

// Result is the complete outcome of a deliberation (spec §4.10).
type Result struct {
	Status               string
	Mode                 Mode
	RoundsCompleted      int
	Participants         []string
	Summary              Summary
	TranscriptPath       string
	FullDebate           []RoundResponse
	FullDebateTruncated  bool
	TotalRounds          int
	ConvergenceInfo      *ConvergenceInfo
	VotingResult         *VotingResult
	GraphContextSummary  *string
	ToolExecutions       []ToolExecutionRecord
}

// Truncate enforces a response-budget cap on the rendered transcript
// size by keeping only the last N rounds, setting FullDebateTruncated
// and TotalRounds (spec §6, supplemented from server.py).
func (r *Result) Truncate(maxChars int) {
	total := 0
	for _, resp := range r.FullDebate {
		total += len(resp.Response)
	}
	if total <= maxChars {
		return
	}

	r.TotalRounds = r.RoundsCompleted
	keep := r.FullDebate
	budget := maxChars
	cut := 0
	for i := len(keep) - 1; i >= 0; i-- {
		budget -= len(keep[i].Response)
		if budget < 0 {
			cut = i + 1
			break
		}
	}
	if cut > 0 && cut < len(keep) {
		r.FullDebate = keep[cut:]
		r.FullDebateTruncated = true
	}
}
