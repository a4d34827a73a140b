// Package transcript reconstructs an ordered conversation from the
// out-of-order, fragmentary text events a session channel delivers. The
// transport guarantees neither ordering nor exactly-once delivery, so a
// textOutput may arrive before its textStart and fragments of different
// content groups interleave freely.
package transcript

import (
	"strings"
	"sync"
)

const (
	stageSpeculative = "SPECULATIVE"
	stageFinal       = "FINAL"
	stopInterrupted  = "INTERRUPTED"
	stopEndTurn      = "END_TURN"
)

// Fragment is one content group's worth of text. All four descriptive fields
// must be known before the fragment participates in the transcript.
type Fragment struct {
	ID              string
	Role            string
	Content         string
	GenerationStage string
	StopReason      string
}

func (f Fragment) complete() bool {
	return f.Role != "" && f.Content != "" && f.GenerationStage != "" && f.StopReason != ""
}

// Turn is one speaker's contribution in the reconciled transcript.
type Turn struct {
	Role    string
	Content string
}

// Reconciler merges fragment events into sealed content groups and composes
// turns from them. Methods are safe for concurrent use; events arrive on the
// transport subscriber goroutine while the UI reads turns.
type Reconciler struct {
	mu     sync.Mutex
	cache  map[string]Fragment
	sealed map[string]bool
	groups [][]Fragment
}

func New() *Reconciler {
	return &Reconciler{
		cache:  make(map[string]Fragment),
		sealed: make(map[string]bool),
	}
}

// Clear resets all state for a new session.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]Fragment)
	r.sealed = make(map[string]bool)
	r.groups = nil
}

// SeedSystemPrompt installs the system prompt as the opening turn.
func (r *Reconciler) SeedSystemPrompt(prompt string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups = [][]Fragment{{{
		ID:              "system",
		Role:            "system",
		Content:         prompt,
		GenerationStage: stageFinal,
		StopReason:      stopEndTurn,
	}}}
}

// OnTextStart records the role and generation stage of a content group.
func (r *Reconciler) OnTextStart(id, role, generationStage string) {
	r.update(Fragment{ID: id, Role: role, GenerationStage: generationStage})
}

// OnTextOutput records a content group's text.
func (r *Reconciler) OnTextOutput(id, role, content string) {
	r.update(Fragment{ID: id, Role: role, Content: content})
}

// OnTextStop records the stop reason closing a content group.
func (r *Reconciler) OnTextStop(id, stopReason string) {
	r.update(Fragment{ID: id, StopReason: stopReason})
}

// update merges the patch into the cache entry for the fragment's id and
// seals the group the moment all four fields are present. Sealing order
// follows the arrival of the last missing field, not first sight of the id.
func (r *Reconciler) update(patch Fragment) {
	if patch.ID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := r.cache[patch.ID]
	merged.ID = patch.ID
	if patch.Role != "" {
		merged.Role = patch.Role
	}
	if patch.Content != "" {
		merged.Content = patch.Content
	}
	if patch.GenerationStage != "" {
		merged.GenerationStage = patch.GenerationStage
	}
	if patch.StopReason != "" {
		merged.StopReason = patch.StopReason
	}
	r.cache[patch.ID] = merged

	if merged.complete() && !r.sealed[patch.ID] {
		r.sealed[patch.ID] = true
		r.seal(merged)
	}
}

// seal folds a completed fragment into the group lists. Same role as the
// last list appends to it; a FINAL fragment landing on a list that already
// holds k FINAL fragments replaces the speculative fragment at position k;
// anything else opens a new list.
func (r *Reconciler) seal(f Fragment) {
	if len(r.groups) == 0 {
		r.groups = [][]Fragment{{f}}
		return
	}

	last := r.groups[len(r.groups)-1]
	if last[0].Role != f.Role {
		r.groups = append(r.groups, []Fragment{f})
		return
	}

	if f.GenerationStage != stageFinal {
		r.groups[len(r.groups)-1] = append(last, f)
		return
	}

	finals := 0
	for _, m := range last {
		if m.GenerationStage == stageFinal {
			finals++
		}
	}
	merged := make([]Fragment, 0, len(last)+1)
	merged = append(merged, last[:min(finals, len(last))]...)
	merged = append(merged, f)
	if finals+1 < len(last) {
		merged = append(merged, last[finals+1:]...)
	}
	r.groups[len(r.groups)-1] = merged
}

// Turns composes the displayed transcript, applying the interruption splice:
// a list interrupted at position 0 is discarded entirely and the following
// list merges into the turn before it; an interruption at position >0 keeps
// only the fragments preceding it.
func (r *Reconciler) Turns() []Turn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res []Turn
	interrupted := false

	for _, group := range r.groups {
		if interrupted {
			interrupted = false
			if len(res) == 0 {
				res = append(res, Turn{Role: group[0].Role, Content: joinContents(group)})
				continue
			}
			res[len(res)-1].Content += " " + joinContents(group)
			continue
		}

		idx := -1
		for i, m := range group {
			if m.StopReason == stopInterrupted {
				idx = i
				break
			}
		}
		switch {
		case idx == 0:
			interrupted = true
		case idx > 0:
			res = append(res, Turn{Role: group[0].Role, Content: joinContents(group[:idx])})
		default:
			res = append(res, Turn{Role: group[0].Role, Content: joinContents(group)})
		}
	}
	return res
}

// AssistantSpeculative reports whether the assistant is currently speaking
// speculatively: the newest group list belongs to the assistant and holds at
// least one speculative fragment. Drives UI feedback only.
func (r *Reconciler) AssistantSpeculative() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.groups) == 0 {
		return false
	}
	last := r.groups[len(r.groups)-1]
	if last[0].Role != "assistant" {
		return false
	}
	for _, m := range last {
		if m.GenerationStage == stageSpeculative {
			return true
		}
	}
	return false
}

func joinContents(group []Fragment) string {
	parts := make([]string, len(group))
	for i, m := range group {
		parts[i] = m.Content
	}
	return strings.Join(parts, " ")
}
