package main

import (
	"sort"
	"strings"
	"sync"

	"github.com/vthunder/delibd/internal/deliberation"
)

// sessionModels tracks the per-CLI model override that set_session_models
// installs (spec §6: "set_session_models({adapter: model|null, ...})").
// deliberate calls that omit an explicit participants list fall back to
// this set, letting a caller fix the model lineup for the rest of the
// connection without repeating it on every call.
type sessionModels struct {
	mu           sync.Mutex
	byCLI        map[string]string // cli -> model
	adapterByCLI map[string]deliberation.Adapter
	adapters     map[string]deliberation.Adapter // shared with the engine, keyed by Participant.String()
}

// newSessionModels seeds the session default from the server's initially
// configured participants, one model per distinct cli. When
// DELIB_PARTICIPANTS lists the same cli more than once, which of its
// models becomes the default is not defined (map iteration order).
func newSessionModels(adapters map[string]deliberation.Adapter) *sessionModels {
	s := &sessionModels{
		byCLI:        map[string]string{},
		adapterByCLI: map[string]deliberation.Adapter{},
		adapters:     adapters,
	}
	for key, adapter := range adapters {
		p := parseParticipantKey(key)
		if p == nil {
			continue
		}
		s.byCLI[p.CLI] = p.Model
		s.adapterByCLI[p.CLI] = adapter
	}
	return s
}

func parseParticipantKey(key string) *deliberation.Participant {
	parts := strings.SplitN(key, "@", 2)
	if len(parts) != 2 {
		return nil
	}
	return &deliberation.Participant{Model: parts[0], CLI: parts[1]}
}

// Defaults returns the current default participant list, sorted by cli
// for deterministic output.
func (s *sessionModels) Defaults() []deliberation.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]deliberation.Participant, 0, len(s.byCLI))
	for cli, model := range s.byCLI {
		out = append(out, deliberation.Participant{Model: model, CLI: cli})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CLI < out[j].CLI })
	return out
}

// Set installs model as cli's default and ensures the engine's adapter
// map has an entry for the resulting model@cli pair, reusing whichever
// transport (CLI subprocess or HTTP) was originally configured for cli.
// An unknown cli (no adapter ever registered for it) is rejected.
func (s *sessionModels) Set(cli, model string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	adapter, ok := s.adapterByCLI[cli]
	if !ok {
		return false
	}
	s.byCLI[cli] = model
	key := (deliberation.Participant{Model: model, CLI: cli}).String()
	if _, exists := s.adapters[key]; !exists {
		s.adapters[key] = adapter
	}
	return true
}

// Clear removes cli's default, so deliberate calls that omit an explicit
// participant list no longer include it.
func (s *sessionModels) Clear(cli string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byCLI, cli)
}
