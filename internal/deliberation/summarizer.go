package deliberation

import (
	"context"
	"strings"
)

// summarizerPreference is a fixed fallback order of participants tried
// for the end-of-deliberation summary, first available (non-error,
// non-empty) response wins (supplemented from engine.py's summarizer
// selection, which tries a short preference list of model names before
// falling back to a placeholder).
var summarizerPreference = []string{"claude", "gpt", "gemini", "llama"}

const summaryPrompt = "Summarize this deliberation in 2-4 sentences: state the consensus (if any), " +
	"the key points of agreement, the key points of disagreement, and a final recommendation. " +
	"Respond only with the summary text."

// BuildSummary asks the first available participant (by
// summarizerPreference, then the remaining participants in request
// order) to produce a short summary of the
// full debate text. If every attempt fails, a placeholder summary is
// returned rather than propagating an error (spec §7: summarization
// failures never abort a deliberation).
func BuildSummary(ctx context.Context, adapters map[string]Adapter, debateText string, participants []Participant) Summary {
	ordered := orderBySummarizerPreference(participants)

	for _, p := range ordered {
		adapter, ok := adapters[p.String()]
		if !ok {
			continue
		}
		text, err := adapter.Invoke(ctx, summaryPrompt+"\n\n"+debateText, p.Model, "", false, "")
		if err != nil || strings.TrimSpace(text) == "" {
			continue
		}
		return Summary{
			Consensus:           text,
			FinalRecommendation: text,
		}
	}

	return Summary{
		Consensus:           "Summary unavailable: no participant could produce one.",
		FinalRecommendation: "Review the full debate transcript for details.",
	}
}

func orderBySummarizerPreference(participants []Participant) []Participant {
	byCLI := map[string][]Participant{}
	for _, p := range participants {
		key := strings.ToLower(p.CLI)
		byCLI[key] = append(byCLI[key], p)
	}

	var ordered []Participant
	seen := map[string]bool{}
	for _, pref := range summarizerPreference {
		for _, p := range byCLI[pref] {
			ordered = append(ordered, p)
			seen[p.String()] = true
		}
	}
	for _, p := range participants {
		if !seen[p.String()] {
			ordered = append(ordered, p)
		}
	}
	return ordered
}
