package hooks

import (
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentbridge/internal/config"
	"github.com/nextlevelbuilder/agentbridge/internal/pending"
)

// Lifecycle stages per instance.
const (
	StageIdle      = "idle"
	StageStarted   = "started"
	StageProgress  = "progress"
	StageFinal     = "final"
	StageError     = "error"
	StageCancelled = "cancelled"
)

// LifecycleState is the per-instance event lifecycle view.
type LifecycleState struct {
	Stage     string    `json:"stage"`
	TurnID    string    `json:"turnId,omitempty"`
	EventID   string    `json:"eventId,omitempty"`
	Seq       int64     `json:"seq,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type seqEntry struct {
	seq int64
	at  time.Time
}

type ignoredEntry struct {
	byType map[string]int
	at     time.Time
}

// registry owns the hook server's bookkeeping maps: event dedupe, per-turn
// sequence gates, per-instance lifecycles, turn-start markers, and
// ignored/rejected counters. Every map has a retention window and a hard
// cap; pruning runs opportunistically on each mutation.
type registry struct {
	opts config.Options

	mu sync.Mutex

	dedupe      map[string]time.Time
	dedupeOrder []string

	seq      map[string]seqEntry
	seqOrder []string

	lifecycle map[pending.Key]LifecycleState

	started      map[string]time.Time
	startedOrder []string

	ignored  map[pending.Key]*ignoredEntry
	rejected map[pending.Key]int
}

func newRegistry(opts config.Options) *registry {
	return &registry{
		opts:      opts,
		dedupe:    make(map[string]time.Time),
		seq:       make(map[string]seqEntry),
		lifecycle: make(map[pending.Key]LifecycleState),
		started:   make(map[string]time.Time),
		ignored:   make(map[pending.Key]*ignoredEntry),
		rejected:  make(map[pending.Key]int),
	}
}

func dedupeKey(key pending.Key, eventID string) string {
	return key.Project + "/" + key.AgentType + "/" + key.InstanceID + "/" + eventID
}

func turnKey(key pending.Key, turnID string) string {
	return key.Project + "/" + key.AgentType + "/" + key.InstanceID + "/" + turnID
}

// seen records an event id and reports whether it was already processed
// within the retention window.
func (r *registry) seen(key pending.Key, eventID string) bool {
	if eventID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()

	dk := dedupeKey(key, eventID)
	if _, dup := r.dedupe[dk]; dup {
		return true
	}
	r.dedupe[dk] = time.Now()
	r.dedupeOrder = append(r.dedupeOrder, dk)
	return false
}

// admitSeq applies the per-turn monotonic sequence gate. Events without a
// seq always pass.
func (r *registry) admitSeq(key pending.Key, turnID string, seq *int64) bool {
	if seq == nil {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()

	tk := turnKey(key, turnID)
	if entry, ok := r.seq[tk]; ok {
		if *seq <= entry.seq {
			return false
		}
	} else {
		r.seqOrder = append(r.seqOrder, tk)
	}
	r.seq[tk] = seqEntry{seq: *seq, at: time.Now()}
	return true
}

// markStarted records the session.start marker for a turn.
func (r *registry) markStarted(key pending.Key, turnID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	tk := turnKey(key, turnID)
	if _, ok := r.started[tk]; !ok {
		r.startedOrder = append(r.startedOrder, tk)
	}
	r.started[tk] = time.Now()
}

// hasStarted reports whether a session.start was seen for the turn.
func (r *registry) hasStarted(key pending.Key, turnID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	_, ok := r.started[turnKey(key, turnID)]
	return ok
}

// updateLifecycle records the instance's latest event stage.
func (r *registry) updateLifecycle(key pending.Key, ev AgentEvent) {
	stage := StageIdle
	switch ev.Type {
	case EventStart:
		stage = StageStarted
	case EventProgress:
		stage = StageProgress
	case EventFinal, EventIdle:
		stage = StageFinal
	case EventError:
		stage = StageError
	case EventCancelled:
		stage = StageCancelled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	st := LifecycleState{
		Stage:     stage,
		TurnID:    ev.TurnID,
		EventID:   ev.EventID,
		UpdatedAt: time.Now(),
	}
	if ev.Seq != nil {
		st.Seq = *ev.Seq
	} else if prev, ok := r.lifecycle[key]; ok && prev.TurnID == ev.TurnID {
		st.Seq = prev.Seq
	}
	r.lifecycle[key] = st
}

// countIgnored bumps the ignored-event counter for a capture-driven
// instance.
func (r *registry) countIgnored(key pending.Key, eventType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	entry := r.ignored[key]
	if entry == nil {
		entry = &ignoredEntry{byType: make(map[string]int)}
		r.ignored[key] = entry
	}
	entry.byType[eventType]++
	entry.at = time.Now()
}

// countRejected bumps the strict-lifecycle rejection counter.
func (r *registry) countRejected(key pending.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected[key]++
}

// snapshotFor returns the registry's view of one instance for
// /runtime-status.
func (r *registry) snapshotFor(key pending.Key) (lifecycle *LifecycleState, ignored map[string]int, rejected int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	if st, ok := r.lifecycle[key]; ok {
		cp := st
		lifecycle = &cp
	}
	if entry, ok := r.ignored[key]; ok {
		ignored = make(map[string]int, len(entry.byType))
		for t, n := range entry.byType {
			ignored[t] = n
		}
	}
	return lifecycle, ignored, r.rejected[key]
}

// pruneLocked applies the retention windows and hard caps. Callers hold
// r.mu.
func (r *registry) pruneLocked() {
	now := time.Now()

	// Dedupe: retention window then count cap, FIFO.
	cut := 0
	for _, dk := range r.dedupeOrder {
		at, ok := r.dedupe[dk]
		if ok && now.Sub(at) <= r.opts.DedupeRetention {
			break
		}
		delete(r.dedupe, dk)
		cut++
	}
	r.dedupeOrder = r.dedupeOrder[cut:]
	for r.opts.DedupeMax > 0 && len(r.dedupeOrder) > r.opts.DedupeMax {
		delete(r.dedupe, r.dedupeOrder[0])
		r.dedupeOrder = r.dedupeOrder[1:]
	}

	// Seq gates.
	cut = 0
	for _, tk := range r.seqOrder {
		entry, ok := r.seq[tk]
		if ok && now.Sub(entry.at) <= r.opts.SeqRetention {
			break
		}
		delete(r.seq, tk)
		delete(r.started, tk)
		cut++
	}
	r.seqOrder = r.seqOrder[cut:]
	for r.opts.SeqMax > 0 && len(r.seqOrder) > r.opts.SeqMax {
		tk := r.seqOrder[0]
		delete(r.seq, tk)
		delete(r.started, tk)
		r.seqOrder = r.seqOrder[1:]
	}

	// Start markers. Seq-less turns never enter seqOrder, so the markers
	// carry their own FIFO; the seq path may have deleted a marker
	// already, and those stale slots fall out here.
	cut = 0
	for _, tk := range r.startedOrder {
		at, ok := r.started[tk]
		if ok && now.Sub(at) <= r.opts.SeqRetention {
			break
		}
		delete(r.started, tk)
		cut++
	}
	r.startedOrder = r.startedOrder[cut:]
	for r.opts.SeqMax > 0 && len(r.startedOrder) > r.opts.SeqMax {
		delete(r.started, r.startedOrder[0])
		r.startedOrder = r.startedOrder[1:]
	}

	// Stale lifecycles.
	for key, st := range r.lifecycle {
		if now.Sub(st.UpdatedAt) > r.opts.LifecycleStale {
			delete(r.lifecycle, key)
		}
	}

	// Ignored-event counters.
	for key, entry := range r.ignored {
		if now.Sub(entry.at) > r.opts.IgnoredEventRetention {
			delete(r.ignored, key)
		}
	}
}

// String implements fmt.Stringer for debug logging.
func (st LifecycleState) String() string {
	return fmt.Sprintf("%s turn=%s seq=%d", st.Stage, st.TurnID, st.Seq)
}
