package deliberation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vthunder/delibd/internal/config"
	"github.com/vthunder/delibd/internal/dlog"
	"github.com/vthunder/delibd/internal/graph"
)

// votingInstructions is appended to every round's prompt so
// participants know the expected VOTE: marker shape (spec §4.9,
// supplemented from engine.py's _build_voting_instructions).
const votingInstructions = `
When you have reached a position, end your response with a single line:
VOTE: {"option": "<short option label>", "confidence": <0-1>, "rationale": "<one sentence>", "continue_debate": <true|false>}
Set continue_debate to false once you believe further rounds would not change your position.`

// toolInstructions documents the embedded tool-request sub-protocol
// (spec §4.8).
const toolInstructions = `
You may request a read-only tool by emitting a line of the form:
TOOL_REQUEST: {"name": "<tool name>", "arguments": {...}}
Available tools: read_file, search_code, list_files, run_command, get_file_tree.`

// Engine is the round-based orchestrator (C10): it drives each round of
// a deliberation across every participant in order, builds accumulated
// context, parses votes and tool requests, checks for convergence or
// early stopping, and assembles the final Result. Adapted in structure
// from internal/executive/executive.go's round-processing loop, which
// also advances a fixed set of participants through sequential,
// in-order turns and accumulates state across iterations.
type Engine struct {
	adapters      map[string]Adapter
	toolExecutor  *ToolExecutor
	graphFacade   *graph.Integration
	backend       graph.Backend
	cfg           config.Deliberation
}

// NewEngine wires an Engine from its adapters (keyed by
// Participant.String()), the tool executor, the graph integration
// facade, and the similarity backend used for vote-option grouping and
// convergence scoring.
func NewEngine(adapters map[string]Adapter, toolExecutor *ToolExecutor, graphFacade *graph.Integration, backend graph.Backend, cfg config.Deliberation) *Engine {
	return &Engine{adapters: adapters, toolExecutor: toolExecutor, graphFacade: graphFacade, backend: backend, cfg: cfg}
}

// Execute runs a full deliberation: it advances every participant
// through rounds in sequence (not fanned out — the original protocol is
// single-threaded and cooperative, each participant sees the others'
// responses from prior rounds but never a concurrent partial one), then
// aggregates votes, detects convergence, stores the outcome in the
// decision graph, and returns the assembled Result (spec §4.10).
func (e *Engine) Execute(ctx context.Context, req DeliberateRequest) (*Result, error) {
	if len(req.Participants) == 0 {
		return nil, fmt.Errorf("deliberate: at least one participant is required")
	}
	rounds := req.Rounds
	if rounds <= 0 {
		rounds = e.cfg.Rounds
	}
	if req.Mode == ModeQuick {
		rounds = 1
	}
	minRounds := 1
	if req.Mode == ModeConference {
		minRounds = 2
	}

	var history [][]RoundResponse
	var allVotes []RoundVote
	var toolExecutions []ToolExecutionRecord

	graphContext := ""
	if e.graphFacade != nil {
		graphContext = e.graphFacade.GetContextForDeliberation(req.Question)
	}
	fileTreeBlock := BuildFileTreeBlock(req.WorkingDirectory, e.cfg.FileTree)

	var convergence ConvergenceInfo
	roundsCompleted := 0
	stoppedEarly := false

	for round := 1; round <= rounds; round++ {
		prompt := e.buildPrompt(req, round, fileTreeBlock, graphContext)
		roundContext := e.buildRoundContext(history)

		var roundResponses []RoundResponse
		var roundVotes []RoundVote

		for _, p := range req.Participants {
			adapter, ok := e.adapters[p.String()]
			if !ok {
				dlog.Warn("engine", "no adapter configured for participant %s, skipping", p.String())
				continue
			}

			allowTools := e.cfg.ToolContextMaxRounds <= 0 || round <= e.cfg.ToolContextMaxRounds
			response, err := e.invokeWithTools(ctx, adapter, p, prompt, roundContext, req.WorkingDirectory, round, allowTools, &toolExecutions)
			if err != nil {
				response = fmt.Sprintf("[error: %s failed to respond: %v]", p.String(), err)
				dlog.Warn("engine", "participant %s failed in round %d: %v", p.String(), round, err)
			}

			rr := RoundResponse{Round: round, Participant: p.String(), Response: response, Timestamp: time.Now()}
			roundResponses = append(roundResponses, rr)

			if vote, ok := ParseVote(response); ok {
				rv := RoundVote{Round: round, Participant: p.String(), Vote: *vote, Timestamp: time.Now()}
				roundVotes = append(roundVotes, rv)
				allVotes = append(allVotes, rv)
			}
		}

		history = append(history, roundResponses)
		roundsCompleted = round

		if e.backend != nil {
			convergence = DetectConvergence(history, e.backend, e.cfg.ConvergenceDetection)
			if convergence.Detected {
				break
			}
		}

		if CheckEarlyStopping(roundVotes, round, minRounds, e.cfg.EarlyStopping) {
			stoppedEarly = true
			break
		}
	}

	votingResult := AggregateVotes(allVotes, e.backend)

	status := FinalStatus(votingResult, convergence, roundsCompleted, rounds)
	if stoppedEarly && status == graph.StatusUnknown {
		status = graph.StatusRefining
	}

	var fullDebate []RoundResponse
	for _, r := range history {
		fullDebate = append(fullDebate, r...)
	}

	debateText := renderDebateText(history)
	summary := BuildSummary(ctx, e.adapters, debateText, req.Participants)

	participantNames := make([]string, 0, len(req.Participants))
	for _, p := range req.Participants {
		participantNames = append(participantNames, p.String())
	}

	result := &Result{
		Status:          string(status),
		Mode:            req.Mode,
		RoundsCompleted: roundsCompleted,
		Participants:    participantNames,
		Summary:         summary,
		FullDebate:      fullDebate,
		TotalRounds:     roundsCompleted,
		ConvergenceInfo: &convergence,
		VotingResult:    &votingResult,
		ToolExecutions:  toolExecutions,
	}
	if graphContext != "" {
		result.GraphContextSummary = &graphContext
	}
	result.Truncate(e.cfg.ResponseBudgetChars)

	e.storeOutcome(req, result, status, votingResult)

	return result, nil
}

// invokeWithTools invokes adapter once, then services any embedded
// TOOL_REQUEST markers by executing each tool and then re-invoking the
// adapter once with every tool's output appended; tool requests in that
// follow-up response are not executed (spec §4.8: tool use is a
// within-turn sub-loop, not an additional deliberation round).
func (e *Engine) invokeWithTools(ctx context.Context, adapter Adapter, p Participant, prompt, roundContext, workingDirectory string, round int, allowTools bool, executions *[]ToolExecutionRecord) (string, error) {
	response, err := adapter.Invoke(ctx, prompt, p.Model, roundContext, true, workingDirectory)
	if err != nil || !allowTools || e.toolExecutor == nil {
		return response, err
	}

	requests := ParseToolRequests(response)
	if len(requests) == 0 {
		return response, nil
	}

	var toolOutput strings.Builder
	for _, req := range requests {
		result := e.toolExecutor.ExecuteTool(ctx, req, workingDirectory)
		*executions = append(*executions, ToolExecutionRecord{
			RoundNumber: round,
			RequestedBy: p.String(),
			Request:     req,
			Result:      result,
			Timestamp:   time.Now(),
		})

		out := result.Output
		if max := e.cfg.ToolOutputMaxChars; max > 0 && len(out) > max {
			out = out[:max] + "... (truncated)"
		}
		if result.Success {
			fmt.Fprintf(&toolOutput, "\n\nTool %s result:\n%s", req.Name, out)
		} else {
			fmt.Fprintf(&toolOutput, "\n\nTool %s failed: %s", req.Name, result.Error)
		}
	}

	followUp, err := adapter.Invoke(ctx, prompt+toolOutput.String(), p.Model, roundContext, true, workingDirectory)
	if err != nil {
		return response, nil
	}
	return followUp, nil
}

// buildPrompt assembles the question, voting/tool instructions, and
// (round 1 only) graph context and file tree into the prompt sent to
// every participant this round (spec §4.4, §4.8, §4.9, §4.10).
func (e *Engine) buildPrompt(req DeliberateRequest, round int, fileTreeBlock, graphContext string) string {
	var b strings.Builder

	if round == 1 {
		if fileTreeBlock != "" {
			b.WriteString(fileTreeBlock)
			b.WriteString("\n\n")
		}
		if graphContext != "" {
			b.WriteString(graphContext)
			b.WriteString("\n\n")
		}
		if req.Context != "" {
			b.WriteString(req.Context)
			b.WriteString("\n\n")
		}
	}

	fmt.Fprintf(&b, "Question (round %d): %s", round, req.Question)
	b.WriteString(votingInstructions)
	if e.toolExecutor != nil && (e.cfg.ToolContextMaxRounds <= 0 || round <= e.cfg.ToolContextMaxRounds) {
		b.WriteString(toolInstructions)
	}
	return b.String()
}

// buildRoundContext renders every prior round's responses as the
// accumulated context each participant sees (spec §4.10: "each round
// gives every participant the full prior transcript").
func (e *Engine) buildRoundContext(history [][]RoundResponse) string {
	if len(history) == 0 {
		return ""
	}
	var b strings.Builder
	for _, round := range history {
		for _, r := range round {
			fmt.Fprintf(&b, "[Round %d] %s: %s\n\n", r.Round, r.Participant, dlog.Truncate(r.Response, 4000))
		}
	}
	return b.String()
}

func renderDebateText(history [][]RoundResponse) string {
	var b strings.Builder
	for _, round := range history {
		for _, r := range round {
			fmt.Fprintf(&b, "[Round %d] %s: %s\n\n", r.Round, r.Participant, r.Response)
		}
	}
	return b.String()
}

// storeOutcome persists the completed deliberation to the decision
// graph. Storage failures are logged, never propagated: a deliberation
// always returns its result to the caller even if memory could not be
// recorded (spec §4.6, §4.10 step 8, §7 kind 3 applies only within
// store_deliberation itself, not to its caller here).
func (e *Engine) storeOutcome(req DeliberateRequest, result *Result, status graph.ConvergenceStatus, voting VotingResult) {
	if e.graphFacade == nil {
		return
	}

	stances := make([]graph.StanceInput, 0, len(req.Participants))
	lastVoteByParticipant := map[string]Vote{}
	for _, rv := range voting.VotesByRound {
		lastVoteByParticipant[rv.Participant] = rv.Vote
	}
	lastResponseByParticipant := map[string]string{}
	for _, r := range result.FullDebate {
		lastResponseByParticipant[r.Participant] = r.Response
	}

	for _, p := range req.Participants {
		name := p.String()
		stance := graph.StanceInput{
			Participant:   name,
			FinalPosition: lastResponseByParticipant[name],
		}
		if v, ok := lastVoteByParticipant[name]; ok {
			option := v.Option
			confidence := v.Confidence
			rationale := v.Rationale
			stance.VoteOption = &option
			stance.Confidence = &confidence
			stance.Rationale = &rationale
		}
		stances = append(stances, stance)
	}

	outcome := graph.DeliberationOutcome{
		Question:          req.Question,
		Participants:       result.Participants,
		ConvergenceStatus:  status,
		Consensus:          result.Summary.Consensus,
		WinningOption:      voting.WinningOption,
		TranscriptPath:     result.TranscriptPath,
		Stances:            stances,
	}

	if _, err := e.graphFacade.StoreDeliberation(outcome); err != nil {
		dlog.Warn("engine", "failed to store deliberation outcome: %v", err)
	}
}
