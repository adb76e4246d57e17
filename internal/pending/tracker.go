// Package pending tracks the in-flight user turns of every agent instance:
// a per-instance FIFO queue driving status reactions, typing indicators,
// and stuck alerts, plus a bounded memory of terminal states.
package pending

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/agentbridge/internal/chat"
)

const (
	// promptTailChars is how much of a prompt (after whitespace collapse)
	// is remembered for echo suppression.
	promptTailChars = 240

	// terminalSnapshotCap bounds the terminal-state memory.
	terminalSnapshotCap = 4000
)

// Key identifies one instance's queue. InstanceID falls back to the agent
// type when the caller does not know the concrete instance.
type Key struct {
	Project    string
	AgentType  string
	InstanceID string
}

// NewKey builds a Key, applying the instance-id fallback.
func NewKey(project, agentType, instanceID string) Key {
	if instanceID == "" {
		instanceID = agentType
	}
	return Key{Project: project, AgentType: agentType, InstanceID: instanceID}
}

// RemovalTarget selects which end of the queue a terminal transition hits.
type RemovalTarget int

const (
	// Head removes the oldest unresolved turn.
	Head RemovalTarget = iota
	// Tail removes the most recent turn.
	Tail
)

// Turn is one pending user message.
type Turn struct {
	ChannelID  string
	MessageID  string
	Stage      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	PromptTail string

	statusEmoji string
	hints       map[string]bool
	typing      *chat.TypingController
	stuck       *time.Timer
}

// TerminalState is the last terminal stage recorded for an instance.
type TerminalState struct {
	Stage string
	At    time.Time
}

// Snapshot is the read-only view of one instance's queue used by
// /runtime-status.
type Snapshot struct {
	Key         Key
	Depth       int
	OldestStage string
	LatestStage string
	OldestAt    time.Time
}

// Tracker owns all pending queues. All platform side effects (reactions,
// typing) run on a per-key serial queue so their order matches the order
// mutations were issued in.
type Tracker struct {
	client     chat.Client
	stuckAlert time.Duration

	mu       sync.Mutex
	queues   map[Key]*serialQueue
	turns    map[Key][]*Turn
	terminal map[Key]TerminalState
	termKeys []Key // FIFO eviction order for terminal
}

// NewTracker creates a tracker. client may be nil in tests that only
// exercise queue bookkeeping.
func NewTracker(client chat.Client, stuckAlert time.Duration) *Tracker {
	if stuckAlert <= 0 {
		stuckAlert = 45 * time.Second
	}
	return &Tracker{
		client:     client,
		stuckAlert: stuckAlert,
		queues:     make(map[Key]*serialQueue),
		turns:      make(map[Key][]*Turn),
		terminal:   make(map[Key]TerminalState),
	}
}

func (t *Tracker) queue(key Key) *serialQueue {
	q, ok := t.queues[key]
	if !ok {
		q = newSerialQueue()
		t.queues[key] = q
	}
	return q
}

// MarkPending appends a turn to the tail of the instance queue, adds the
// received reaction, starts a typing indicator, and arms the stuck alert.
func (t *Tracker) MarkPending(key Key, channelID, messageID, prompt string) {
	turn := &Turn{
		ChannelID:  channelID,
		MessageID:  messageID,
		Stage:      chat.StageReceived,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
		PromptTail: PromptTail(prompt),
		hints:      make(map[string]bool),
	}

	if t.client != nil && channelID != "" {
		turn.typing = chat.NewTyping(chat.TypingOptions{
			StartFn: func() error {
				return t.client.Typing(context.Background(), channelID)
			},
		})
	}

	t.mu.Lock()
	t.turns[key] = append(t.turns[key], turn)
	q := t.queue(key)
	turn.stuck = time.AfterFunc(t.stuckAlert, func() { t.stuckAlertFired(key, turn) })
	t.mu.Unlock()

	// The first typing pulse is a chat API call; it runs outside the
	// tracker lock so one slow platform round-trip cannot stall every
	// other instance. Start after Stop is a no-op, so a turn resolved
	// in between stays stopped.
	if turn.typing != nil {
		turn.typing.Start()
	}
	t.reactStatus(q, turn, chat.StageReceived)
}

// stuckAlertFired keeps the typing indicator alive for long turns and
// rearms itself until the turn resolves.
func (t *Tracker) stuckAlertFired(key Key, turn *Turn) {
	t.mu.Lock()
	alive := false
	for _, pending := range t.turns[key] {
		if pending == turn {
			alive = true
			break
		}
	}
	if !alive {
		t.mu.Unlock()
		return
	}
	typing := turn.typing
	turn.stuck = time.AfterFunc(t.stuckAlert, func() { t.stuckAlertFired(key, turn) })
	t.mu.Unlock()

	slog.Warn("pending turn exceeded stuck alert",
		"project", key.Project, "instance", key.InstanceID,
		"message_id", turn.MessageID, "age", time.Since(turn.CreatedAt).Round(time.Second))
	if typing != nil {
		typing.Kick()
	}
}

// MarkRouteResolved transitions the head turn to routed and, when hint is
// non-empty, adds the route-provenance reaction.
func (t *Tracker) MarkRouteResolved(key Key, hint string) {
	t.transitionHead(key, chat.StageRouted, hint)
}

// MarkDispatching transitions the head turn to processing.
func (t *Tracker) MarkDispatching(key Key) {
	t.transitionHead(key, chat.StageProcessing, "")
}

// MarkHasAttachments adds the attachment hint to the head turn.
func (t *Tracker) MarkHasAttachments(key Key) {
	t.transitionHead(key, "", chat.HintAttachment)
}

func (t *Tracker) transitionHead(key Key, stage, hint string) {
	t.mu.Lock()
	turns := t.turns[key]
	if len(turns) == 0 {
		t.mu.Unlock()
		return
	}
	turn := turns[0]
	if stage != "" {
		turn.Stage = stage
		turn.UpdatedAt = time.Now()
	}
	q := t.queue(key)
	t.mu.Unlock()

	if stage != "" {
		t.reactStatus(q, turn, stage)
	}
	if hint != "" {
		t.reactHint(q, turn, hint)
	}
}

// MarkCompleted resolves the head turn as completed.
func (t *Tracker) MarkCompleted(key Key) { t.resolve(key, chat.StageCompleted, Head, "") }

// MarkError resolves a turn as errored.
func (t *Tracker) MarkError(key Key, target RemovalTarget) {
	t.resolve(key, chat.StageError, target, "")
}

// MarkRetry resolves a turn as retry (the user must resend).
func (t *Tracker) MarkRetry(key Key, target RemovalTarget) {
	t.resolve(key, chat.StageRetry, target, "")
}

// MarkCompletedByMessageID resolves the specific turn as completed.
// Reports whether the turn was found.
func (t *Tracker) MarkCompletedByMessageID(key Key, messageID string) bool {
	return t.resolve(key, chat.StageCompleted, Head, messageID)
}

// MarkErrorByMessageID resolves the specific turn as errored. Reports
// whether the turn was found.
func (t *Tracker) MarkErrorByMessageID(key Key, messageID string) bool {
	return t.resolve(key, chat.StageError, Head, messageID)
}

// resolve transitions a turn to a terminal stage, removes it from the
// queue, stops its indicators, and records the terminal snapshot. A
// terminal transition on a missing key or message is a no-op and reports
// false.
func (t *Tracker) resolve(key Key, stage string, target RemovalTarget, messageID string) bool {
	t.mu.Lock()
	turns := t.turns[key]
	if len(turns) == 0 {
		t.mu.Unlock()
		return false
	}

	idx := 0
	if messageID != "" {
		idx = -1
		for i, turn := range turns {
			if turn.MessageID == messageID {
				idx = i
				break
			}
		}
		if idx < 0 {
			t.mu.Unlock()
			return false
		}
	} else if target == Tail {
		idx = len(turns) - 1
	}

	turn := turns[idx]
	t.turns[key] = append(turns[:idx], turns[idx+1:]...)
	if len(t.turns[key]) == 0 {
		delete(t.turns, key)
	}
	t.recordTerminalLocked(key, stage)
	q := t.queue(key)
	t.mu.Unlock()

	turn.stopIndicators()
	turn.Stage = stage
	turn.UpdatedAt = time.Now()
	t.reactStatus(q, turn, stage)
	return true
}

func (turn *Turn) stopIndicators() {
	if turn.typing != nil {
		turn.typing.Stop()
	}
	if turn.stuck != nil {
		turn.stuck.Stop()
	}
}

func (t *Tracker) recordTerminalLocked(key Key, stage string) {
	if _, exists := t.terminal[key]; !exists {
		t.termKeys = append(t.termKeys, key)
		for len(t.termKeys) > terminalSnapshotCap {
			evict := t.termKeys[0]
			t.termKeys = t.termKeys[1:]
			delete(t.terminal, evict)
		}
	}
	t.terminal[key] = TerminalState{Stage: stage, At: time.Now()}
}

// ClearPendingForInstance stops all indicators and drops the queue.
func (t *Tracker) ClearPendingForInstance(key Key) {
	t.mu.Lock()
	turns := t.turns[key]
	delete(t.turns, key)
	t.mu.Unlock()
	for _, turn := range turns {
		turn.stopIndicators()
	}
}

// reactStatus replaces the turn's status emoji. Re-applying the current
// emoji performs zero platform calls.
func (t *Tracker) reactStatus(q *serialQueue, turn *Turn, stage string) {
	if t.client == nil || turn.ChannelID == "" || turn.MessageID == "" {
		return
	}
	emoji := chat.StatusEmoji(t.client.Platform(), stage)
	if emoji == "" {
		return
	}

	q.enqueue(func() {
		t.mu.Lock()
		prev := turn.statusEmoji
		if prev == emoji {
			t.mu.Unlock()
			return
		}
		turn.statusEmoji = emoji
		t.mu.Unlock()

		ctx := context.Background()
		if prev != "" {
			if err := t.client.RemoveReaction(ctx, turn.ChannelID, turn.MessageID, prev); err != nil {
				slog.Warn("remove status reaction failed",
					"channel_id", turn.ChannelID, "message_id", turn.MessageID, "error", err)
			}
		}
		if err := t.client.AddReaction(ctx, turn.ChannelID, turn.MessageID, emoji); err != nil {
			slog.Warn("add status reaction failed",
				"channel_id", turn.ChannelID, "message_id", turn.MessageID, "error", err)
		}
	})
}

// reactHint adds a hint reaction once; prior hints stay in place.
func (t *Tracker) reactHint(q *serialQueue, turn *Turn, hint string) {
	if t.client == nil || turn.ChannelID == "" || turn.MessageID == "" {
		return
	}
	emoji := chat.HintEmoji(t.client.Platform(), hint)
	if emoji == "" {
		return
	}

	q.enqueue(func() {
		t.mu.Lock()
		if turn.hints[hint] {
			t.mu.Unlock()
			return
		}
		turn.hints[hint] = true
		t.mu.Unlock()

		if err := t.client.AddReaction(context.Background(), turn.ChannelID, turn.MessageID, emoji); err != nil {
			slog.Warn("add hint reaction failed",
				"channel_id", turn.ChannelID, "message_id", turn.MessageID, "error", err)
		}
	})
}

// PendingChannel returns the head turn's channel.
func (t *Tracker) PendingChannel(key Key) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	turns := t.turns[key]
	if len(turns) == 0 {
		return "", false
	}
	return turns[0].ChannelID, true
}

// PendingDepth returns the number of in-flight turns.
func (t *Tracker) PendingDepth(key Key) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.turns[key])
}

// PendingPromptTail returns the head turn's prompt tail.
func (t *Tracker) PendingPromptTail(key Key) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	turns := t.turns[key]
	if len(turns) == 0 || turns[0].PromptTail == "" {
		return "", false
	}
	return turns[0].PromptTail, true
}

// PendingPromptTails returns the prompt tails of every in-flight turn,
// oldest first.
func (t *Tracker) PendingPromptTails(key Key) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var tails []string
	for _, turn := range t.turns[key] {
		if turn.PromptTail != "" {
			tails = append(tails, turn.PromptTail)
		}
	}
	return tails
}

// HeadMessageID returns the head turn's message id.
func (t *Tracker) HeadMessageID(key Key) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	turns := t.turns[key]
	if len(turns) == 0 {
		return "", false
	}
	return turns[0].MessageID, true
}

// Terminal returns the last terminal state recorded for an instance.
func (t *Tracker) Terminal(key Key) (TerminalState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.terminal[key]
	return ts, ok
}

// RuntimeSnapshot returns the per-instance pending view.
func (t *Tracker) RuntimeSnapshot() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Snapshot, 0, len(t.turns))
	for key, turns := range t.turns {
		s := Snapshot{Key: key, Depth: len(turns)}
		if len(turns) > 0 {
			s.OldestStage = turns[0].Stage
			s.LatestStage = turns[len(turns)-1].Stage
			s.OldestAt = turns[0].CreatedAt
		}
		out = append(out, s)
	}
	return out
}

// Flush waits for all queued reaction work to finish. Tests and shutdown.
func (t *Tracker) Flush() {
	t.mu.Lock()
	queues := make([]*serialQueue, 0, len(t.queues))
	for _, q := range t.queues {
		queues = append(queues, q)
	}
	t.mu.Unlock()
	for _, q := range queues {
		q.wait()
	}
}

// StopAll stops every typing indicator and stuck timer. Called on
// disconnect.
func (t *Tracker) StopAll() {
	t.mu.Lock()
	var all []*Turn
	for _, turns := range t.turns {
		all = append(all, turns...)
	}
	t.mu.Unlock()
	for _, turn := range all {
		turn.stopIndicators()
	}
}

// PromptTail collapses whitespace and keeps roughly the last 240 bytes of
// a prompt, never splitting a rune. Used to recognize the prompt's visual
// echo in pane captures.
func PromptTail(prompt string) string {
	collapsed := strings.Join(strings.Fields(prompt), " ")
	if len(collapsed) > promptTailChars {
		cut := len(collapsed) - promptTailChars
		for cut < len(collapsed) && !utf8.RuneStart(collapsed[cut]) {
			cut++
		}
		collapsed = collapsed[cut:]
	}
	return collapsed
}
