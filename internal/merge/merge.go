// Package merge combines resolved annotator outputs per clip and enforces the
// all-or-nothing visibility rule: a clip becomes a merged record only when
// every required annotator has resolved and every mandatory one succeeded.
package merge

import (
	"log/slog"
	"sync"

	"github.com/vidcurate/curatord/internal/annotate"
	"github.com/vidcurate/curatord/internal/corpus"
)

// MergedRecord is a clip with its full annotation set. Emitted at most once
// per clip. Optional annotators that were skipped have no entry.
type MergedRecord struct {
	Clip        corpus.ClipRecord                  `json:"clip"`
	Annotations map[annotate.Kind]*annotate.Result `json:"annotations"`
}

// DroppedClip reports a clip excluded from the output, with enough detail per
// failing annotator to support targeted reprocessing.
type DroppedClip struct {
	Clip    corpus.ClipRecord        `json:"clip"`
	Reasons map[annotate.Kind]string `json:"reasons"`
}

// Outcome is the terminal decision for one clip. Exactly one field is set.
type Outcome struct {
	Record  *MergedRecord
	Dropped *DroppedClip
}

// clipState tracks one in-flight clip. Mutated only under its own lock; the
// merger index holds no ambient shared state beyond entry lookup.
type clipState struct {
	mu       sync.Mutex
	clip     corpus.ClipRecord
	resolved map[annotate.Kind]*annotate.Result
}

// Merger owns the per-clip merge state and the completion policy.
type Merger struct {
	required  []annotate.Kind
	mandatory map[annotate.Kind]bool
	logger    *slog.Logger

	mu    sync.Mutex
	index map[string]*clipState
}

func New(required, mandatory []annotate.Kind, logger *slog.Logger) *Merger {
	m := &Merger{
		required:  required,
		mandatory: make(map[annotate.Kind]bool, len(mandatory)),
		logger:    logger,
		index:     make(map[string]*clipState),
	}
	for _, k := range mandatory {
		m.mandatory[k] = true
	}
	return m
}

// Notify records one resolved work unit against its owning clip. When the last
// required annotator for the clip resolves, the completion policy runs and the
// clip's terminal Outcome is returned; otherwise Notify returns nil.
func (m *Merger) Notify(clip corpus.ClipRecord, result *annotate.Result) *Outcome {
	state := m.state(clip)

	state.mu.Lock()
	if _, dup := state.resolved[result.Kind]; dup {
		// A work unit resolves exactly once; a duplicate means the same kind
		// was submitted twice. Keep the first resolution.
		state.mu.Unlock()
		m.logger.Warn("duplicate resolution ignored", "clip_id", clip.ID, "annotator", result.Kind)
		return nil
	}
	state.resolved[result.Kind] = result
	complete := len(state.resolved) == len(m.required)
	state.mu.Unlock()

	if !complete {
		return nil
	}

	m.mu.Lock()
	delete(m.index, clip.ID)
	m.mu.Unlock()

	return m.evaluate(state)
}

// Pending returns the number of clips awaiting completion.
func (m *Merger) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.index)
}

func (m *Merger) state(clip corpus.ClipRecord) *clipState {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.index[clip.ID]
	if !ok {
		state = &clipState{
			clip:     clip,
			resolved: make(map[annotate.Kind]*annotate.Result, len(m.required)),
		}
		m.index[clip.ID] = state
	}
	return state
}

// evaluate applies the completion policy to a fully resolved clip: every
// mandatory annotator must have succeeded; optional failures merely omit
// their slot.
func (m *Merger) evaluate(state *clipState) *Outcome {
	state.mu.Lock()
	defer state.mu.Unlock()

	reasons := make(map[annotate.Kind]string)
	for kind, result := range state.resolved {
		if !result.IsSuccess() && m.mandatory[kind] {
			reasons[kind] = result.Reason
		}
	}

	if len(reasons) > 0 {
		m.logger.Info("clip dropped by completion policy",
			"clip_id", state.clip.ID,
			"failing_annotators", len(reasons),
		)
		return &Outcome{Dropped: &DroppedClip{Clip: state.clip, Reasons: reasons}}
	}

	annotations := make(map[annotate.Kind]*annotate.Result, len(state.resolved))
	for kind, result := range state.resolved {
		if result.IsSuccess() {
			annotations[kind] = result
		}
	}
	return &Outcome{Record: &MergedRecord{Clip: state.clip, Annotations: annotations}}
}
