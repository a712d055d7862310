package deliberation

import (
	"encoding/json"
	"regexp"
	"sort"

	"github.com/vthunder/delibd/internal/config"
	"github.com/vthunder/delibd/internal/dlog"
	"github.com/vthunder/delibd/internal/graph"
)

// voteMarkerPattern finds the last VOTE: {...} marker in a response,
// tolerating the model embedding additional prose or newlines inside
// the JSON object (the (?s) flag makes '.' match newlines, mirroring
// Python's re.DOTALL in the original engine.py's vote regex).
var voteMarkerPattern = regexp.MustCompile(`(?s)VOTE:\s*(\{.+?\})`)

// rawVote is the wire shape of a VOTE: marker's JSON payload.
// ContinueDebate is a pointer so a marker that omits the field can be
// told apart from one that sets it false: absence defaults to true.
type rawVote struct {
	Option         string  `json:"option"`
	Confidence     float64 `json:"confidence"`
	Rationale      string  `json:"rationale"`
	ContinueDebate *bool   `json:"continue_debate"`
}

// ParseVote extracts the last VOTE: {...} marker from response and
// decodes it, returning (nil, false) if no well-formed marker is
// present (spec §4.9, §6: "last occurrence wins" when a model emits
// more than one; malformed JSON or out-of-range confidence counts as
// no vote at all).
func ParseVote(response string) (*Vote, bool) {
	matches := voteMarkerPattern.FindAllStringSubmatch(response, -1)
	if len(matches) == 0 {
		return nil, false
	}
	last := matches[len(matches)-1][1]

	var raw rawVote
	if err := json.Unmarshal([]byte(last), &raw); err != nil {
		dlog.Debug("convergence", "failed to parse vote marker: %v", err)
		return nil, false
	}
	if raw.Option == "" || raw.Confidence < 0 || raw.Confidence > 1 {
		return nil, false
	}
	continueDebate := true
	if raw.ContinueDebate != nil {
		continueDebate = *raw.ContinueDebate
	}
	return &Vote{
		Option:         raw.Option,
		Confidence:     raw.Confidence,
		Rationale:      raw.Rationale,
		ContinueDebate: continueDebate,
	}, true
}

// optionGroupThreshold is the fixed similarity cutoff for fusing
// semantically-equivalent vote option strings before tallying. Not
// configurable, and deliberately not 0.70: the original implementation
// regressed at that level, merging "Option A" and "Option D" (measured
// at 0.729 similarity) into the same bucket.
const optionGroupThreshold = 0.85

// groupSimilarOptions fuses vote option strings that score at or above
// optionGroupThreshold under backend, returning a canonical-name map
// from every input option to the first-seen option in its group (spec
// §4.9: "group options whose surface text differs but whose meaning is
// the same before tallying").
func groupSimilarOptions(options []string, backend graph.Backend) map[string]string {
	canonical := make(map[string]string, len(options))
	var groups []string

	for _, opt := range options {
		if _, ok := canonical[opt]; ok {
			continue
		}
		matched := false
		for _, g := range groups {
			if backend != nil && backend.ComputeSimilarity(opt, g) >= optionGroupThreshold {
				canonical[opt] = g
				matched = true
				break
			}
		}
		if !matched {
			canonical[opt] = opt
			groups = append(groups, opt)
		}
	}
	return canonical
}

// AggregateVotes tallies each participant's last vote by canonical
// option and determines a winner: ConsensusReached and WinningOption are
// set only when exactly one option holds the top count. It returns no
// status; FinalStatus turns this result and the semantic
// ConvergenceInfo into the terminal status.
func AggregateVotes(votesByRound []RoundVote, backend graph.Backend) VotingResult {
	tally := map[string]int{}
	var options []string
	optionOf := map[string]string{} // participant -> raw option (last vote wins)

	for _, rv := range votesByRound {
		if rv.Vote.Option == "" {
			continue
		}
		options = append(options, rv.Vote.Option)
		optionOf[rv.Participant] = rv.Vote.Option
	}

	canonical := groupSimilarOptions(options, backend)
	for _, rawOpt := range optionOf {
		tally[canonical[rawOpt]]++
	}

	result := VotingResult{FinalTally: tally, VotesByRound: votesByRound}
	if len(tally) == 0 {
		return result
	}

	var winners []string
	max := 0
	for opt, n := range tally {
		if n > max {
			max = n
			winners = []string{opt}
		} else if n == max {
			winners = append(winners, opt)
		}
	}
	sort.Strings(winners)

	if len(winners) == 1 {
		result.ConsensusReached = true
		result.WinningOption = &winners[0]
	}
	return result
}

// DetectConvergence scores the similarity between each participant's
// current-round and previous-round response, and classifies the
// overall trajectory per spec §4.9's stable-rounds-required state
// machine. A status becomes "converged" once per-participant similarity
// has stayed at or above the convergence threshold for
// stableRoundsRequired consecutive rounds. A status becomes "impasse"
// once it has instead stayed stable in the band between the divergence
// floor and the convergence threshold for the same number of rounds —
// the participants have stopped moving, but short of agreement, so
// further rounds would not help either; both cases stop the
// deliberation early. A single below-floor round marks divergence; an
// in-between trajectory that has not yet held stable is "refining".
func DetectConvergence(history [][]RoundResponse, backend graph.Backend, cfg config.ConvergenceDetection) ConvergenceInfo {
	info := ConvergenceInfo{Status: graph.StatusUnknown, PerParticipantSimilarity: map[string]float64{}}
	if !cfg.Enabled || len(history) < 2 {
		return info
	}

	stableCount := 0
	impasseCount := 0
	var lastRoundSim float64

	for r := 1; r < len(history); r++ {
		prev := responsesByParticipant(history[r-1])
		cur := responsesByParticipant(history[r])

		minSim := 1.0
		var n int
		for participant, curText := range cur {
			prevText, ok := prev[participant]
			if !ok {
				continue
			}
			sim := backend.ComputeSimilarity(prevText, curText)
			info.PerParticipantSimilarity[participant] = sim
			if sim < minSim {
				minSim = sim
			}
			n++
		}
		if n == 0 {
			continue
		}
		lastRoundSim = minSim

		switch {
		case minSim >= cfg.SimilarityThreshold:
			stableCount++
			impasseCount = 0
		case minSim >= cfg.DivergenceFloor:
			impasseCount++
			stableCount = 0
		default:
			stableCount = 0
			impasseCount = 0
		}

		if stableCount >= cfg.StableRoundsRequired {
			detectedRound := r + 1
			info.Detected = true
			info.DetectionRound = &detectedRound
			info.Status = graph.StatusConverged
		} else if impasseCount >= cfg.StableRoundsRequired {
			detectedRound := r + 1
			info.Detected = true
			info.DetectionRound = &detectedRound
			info.Status = graph.StatusImpasse
		}
	}

	info.FinalSimilarity = lastRoundSim
	if info.Detected {
		return info
	}

	if lastRoundSim < cfg.DivergenceFloor {
		info.Status = graph.StatusDiverging
	} else {
		info.Status = graph.StatusRefining
	}
	return info
}

func responsesByParticipant(round []RoundResponse) map[string]string {
	out := make(map[string]string, len(round))
	for _, r := range round {
		out[r.Participant] = r.Response
	}
	return out
}

// FinalStatus resolves the terminal status per spec §4.9's precedence:
// unanimous_consensus -> majority_decision -> tie -> semantic status ->
// max_rounds -> unknown. A semantic status other than converged is
// reported as max_rounds once roundsCompleted has reached maxRounds.
func FinalStatus(voting VotingResult, convergence ConvergenceInfo, roundsCompleted, maxRounds int) graph.ConvergenceStatus {
	totalVoters := 0
	for _, n := range voting.FinalTally {
		totalVoters += n
	}

	if voting.ConsensusReached && voting.WinningOption != nil {
		if voting.FinalTally[*voting.WinningOption] == totalVoters && totalVoters > 0 {
			return graph.StatusUnanimousConsensus
		}
		return graph.StatusMajorityDecision
	}
	if len(voting.FinalTally) > 0 && !voting.ConsensusReached {
		return graph.StatusTie
	}
	if convergence.Status != "" && convergence.Status != graph.StatusUnknown {
		if roundsCompleted >= maxRounds && convergence.Status != graph.StatusConverged {
			return graph.StatusMaxRounds
		}
		return convergence.Status
	}
	if roundsCompleted >= maxRounds {
		return graph.StatusMaxRounds
	}
	return graph.StatusUnknown
}

// CheckEarlyStopping implements the model-controlled early-exit check
// (spec §4.10, supplemented from engine.py's _check_early_stopping): if
// at least cfg.Threshold fraction of the votes parsed in the
// just-completed round set continue_debate=false, and the minimum
// round count has been satisfied (when RespectMinRounds is set), the
// orchestrator may stop before the configured round budget is spent.
func CheckEarlyStopping(votesThisRound []RoundVote, roundNumber, minRounds int, cfg config.EarlyStopping) bool {
	if !cfg.Enabled {
		return false
	}
	if cfg.RespectMinRounds && roundNumber < minRounds {
		return false
	}
	if len(votesThisRound) == 0 {
		return false
	}

	stopVotes := 0
	for _, rv := range votesThisRound {
		if !rv.Vote.ContinueDebate {
			stopVotes++
		}
	}
	fraction := float64(stopVotes) / float64(len(votesThisRound))
	return fraction >= cfg.Threshold
}
