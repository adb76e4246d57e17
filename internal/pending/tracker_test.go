package pending

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/agentbridge/internal/chat"
)

type reaction struct {
	op        string // "add" or "remove"
	messageID string
	emoji     string
}

type fakeClient struct {
	mu        sync.Mutex
	reactions []reaction
}

func (f *fakeClient) Platform() chat.Platform          { return chat.PlatformDiscord }
func (f *fakeClient) Start(context.Context) error      { return nil }
func (f *fakeClient) Stop(context.Context) error       { return nil }
func (f *fakeClient) OnMessage(chat.Handler)           {}
func (f *fakeClient) Send(_ context.Context, _, _ string) error { return nil }
func (f *fakeClient) SendFiles(_ context.Context, _, _ string, _ []string) error {
	return nil
}
func (f *fakeClient) MaxMessageLength() int { return 2000 }
func (f *fakeClient) SupportsThreads() bool { return true }
func (f *fakeClient) StartThread(_ context.Context, channelID, _ string) (string, error) {
	return channelID + "-thread", nil
}
func (f *fakeClient) AddReaction(_ context.Context, _, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, reaction{"add", messageID, emoji})
	return nil
}
func (f *fakeClient) RemoveReaction(_ context.Context, _, messageID, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, reaction{"remove", messageID, emoji})
	return nil
}
func (f *fakeClient) Typing(context.Context, string) error { return nil }
func (f *fakeClient) ChannelName(_ context.Context, _ string) (string, error) {
	return "channel", nil
}
func (f *fakeClient) RenameChannel(context.Context, string, string) error { return nil }
func (f *fakeClient) DeleteChannel(context.Context, string) error         { return nil }

func (f *fakeClient) recorded() []reaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reaction(nil), f.reactions...)
}

type blockingTypingClient struct {
	fakeClient
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (c *blockingTypingClient) Typing(context.Context, string) error {
	c.once.Do(func() { close(c.entered) })
	<-c.release
	return nil
}

func TestFirstTypingPulseRunsOutsideTrackerLock(t *testing.T) {
	client := &blockingTypingClient{
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	tracker := NewTracker(client, time.Minute)
	key := NewKey("proj", "claude", "claude")

	done := make(chan struct{})
	go func() {
		tracker.MarkPending(key, "chan-1", "msg-1", "slow platform")
		close(done)
	}()

	select {
	case <-client.entered:
	case <-time.After(time.Second):
		t.Fatal("typing pulse never fired")
	}

	// The pulse is stuck in the chat API; the turn must already be
	// visible and the tracker must stay responsive for other callers.
	depthCh := make(chan int, 1)
	go func() { depthCh <- tracker.PendingDepth(key) }()
	select {
	case depth := <-depthCh:
		assert.Equal(t, 1, depth)
	case <-time.After(time.Second):
		t.Fatal("tracker blocked while typing pulse was in flight")
	}

	close(client.release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pending mark never returned")
	}
	tracker.MarkCompleted(key)
}

func TestStatusReactionsFollowStageOrder(t *testing.T) {
	client := &fakeClient{}
	tracker := NewTracker(client, time.Minute)
	key := NewKey("proj", "claude", "claude")

	tracker.MarkPending(key, "chan-1", "msg-1", "do the thing")
	tracker.MarkRouteResolved(key, chat.HintReply)
	tracker.MarkDispatching(key)
	tracker.MarkCompleted(key)
	tracker.Flush()

	got := client.recorded()
	want := []reaction{
		{"add", "msg-1", "📨"},
		{"remove", "msg-1", "📨"},
		{"add", "msg-1", "🧭"},
		{"add", "msg-1", "↩️"},
		{"remove", "msg-1", "🧭"},
		{"add", "msg-1", "⚙️"},
		{"remove", "msg-1", "⚙️"},
		{"add", "msg-1", "✅"},
	}
	assert.Equal(t, want, got)
}

func TestReapplyingSameStageIsIdempotent(t *testing.T) {
	client := &fakeClient{}
	tracker := NewTracker(client, time.Minute)
	key := NewKey("proj", "claude", "")

	tracker.MarkPending(key, "chan-1", "msg-1", "hi")
	tracker.Flush()
	before := len(client.recorded())

	tracker.MarkRouteResolved(key, "")
	tracker.MarkRouteResolved(key, "")
	tracker.Flush()
	after := client.recorded()

	// One transition: one remove + one add, the repeat is free.
	assert.Len(t, after, before+2)
}

func TestQueueIsFIFOAndByMessageIDResolution(t *testing.T) {
	tracker := NewTracker(nil, time.Minute)
	key := NewKey("proj", "codex", "codex")

	tracker.MarkPending(key, "chan-1", "msg-1", "first")
	tracker.MarkPending(key, "chan-1", "msg-2", "second")
	tracker.MarkPending(key, "chan-1", "msg-3", "third")
	require.Equal(t, 3, tracker.PendingDepth(key))

	require.True(t, tracker.MarkCompletedByMessageID(key, "msg-2"))
	assert.Equal(t, 2, tracker.PendingDepth(key))

	head, ok := tracker.HeadMessageID(key)
	require.True(t, ok)
	assert.Equal(t, "msg-1", head)

	assert.False(t, tracker.MarkCompletedByMessageID(key, "msg-99"))

	tracker.MarkCompleted(key)
	head, ok = tracker.HeadMessageID(key)
	require.True(t, ok)
	assert.Equal(t, "msg-3", head)
}

func TestTailRemovalTargetsNewestTurn(t *testing.T) {
	tracker := NewTracker(nil, time.Minute)
	key := NewKey("proj", "codex", "codex")

	tracker.MarkPending(key, "chan-1", "msg-1", "first")
	tracker.MarkPending(key, "chan-1", "msg-2", "second")

	tracker.MarkRetry(key, Tail)
	require.Equal(t, 1, tracker.PendingDepth(key))
	head, _ := tracker.HeadMessageID(key)
	assert.Equal(t, "msg-1", head)
}

func TestTerminalStateRecorded(t *testing.T) {
	tracker := NewTracker(nil, time.Minute)
	key := NewKey("proj", "claude", "claude")

	_, ok := tracker.Terminal(key)
	assert.False(t, ok)

	tracker.MarkPending(key, "chan-1", "msg-1", "hi")
	tracker.MarkError(key, Head)

	ts, ok := tracker.Terminal(key)
	require.True(t, ok)
	assert.Equal(t, chat.StageError, ts.Stage)
	assert.WithinDuration(t, time.Now(), ts.At, time.Second)
}

func TestPendingPromptTails(t *testing.T) {
	tracker := NewTracker(nil, time.Minute)
	key := NewKey("proj", "codex", "codex")

	tracker.MarkPending(key, "chan-1", "msg-1", "fix  the\n\nbug")
	tracker.MarkPending(key, "chan-1", "msg-2", "")

	tails := tracker.PendingPromptTails(key)
	require.Len(t, tails, 1)
	assert.Equal(t, "fix the bug", tails[0])
}

func TestPromptTailCollapsesAndCaps(t *testing.T) {
	assert.Equal(t, "a b c", PromptTail("  a\tb\n c "))

	long := strings.Repeat("x", 500)
	tail := PromptTail(long)
	assert.Len(t, tail, 240)
}

func TestPromptTailNeverSplitsRunes(t *testing.T) {
	// 3-byte runes: 240 is not a multiple of 3, so a byte-index cut would
	// land mid-rune.
	long := strings.Repeat("계속 진행해 주세요 ", 40)
	tail := PromptTail(long)
	assert.True(t, utf8.ValidString(tail))
	assert.LessOrEqual(t, len(tail), 240)
	assert.True(t, strings.HasSuffix(tail, "주세요"))
}

func TestClearPendingForInstance(t *testing.T) {
	tracker := NewTracker(nil, time.Minute)
	key := NewKey("proj", "claude", "claude")

	tracker.MarkPending(key, "chan-1", "msg-1", "a")
	tracker.MarkPending(key, "chan-1", "msg-2", "b")
	tracker.ClearPendingForInstance(key)

	assert.Equal(t, 0, tracker.PendingDepth(key))
	_, ok := tracker.PendingChannel(key)
	assert.False(t, ok)
}

func TestRuntimeSnapshot(t *testing.T) {
	tracker := NewTracker(nil, time.Minute)
	key := NewKey("proj", "claude", "claude")

	tracker.MarkPending(key, "chan-1", "msg-1", "a")
	tracker.MarkPending(key, "chan-1", "msg-2", "b")
	tracker.MarkDispatching(key)

	snaps := tracker.RuntimeSnapshot()
	require.Len(t, snaps, 1)
	assert.Equal(t, key, snaps[0].Key)
	assert.Equal(t, 2, snaps[0].Depth)
	assert.Equal(t, chat.StageProcessing, snaps[0].OldestStage)
	assert.Equal(t, chat.StageReceived, snaps[0].LatestStage)
}
