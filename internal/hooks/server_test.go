package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/agentbridge/internal/chat"
	"github.com/nextlevelbuilder/agentbridge/internal/config"
	"github.com/nextlevelbuilder/agentbridge/internal/pending"
	"github.com/nextlevelbuilder/agentbridge/internal/route"
	"github.com/nextlevelbuilder/agentbridge/internal/state"
)

type sentMessage struct {
	channel string
	text    string
}

type fileSend struct {
	channel string
	comment string
	paths   []string
}

// hookClient records chat-side effects for hook server tests.
type hookClient struct {
	mu              sync.Mutex
	supportsThreads bool

	sent           []sentMessage
	files          []fileSend
	threadsStarted int
}

func (c *hookClient) Platform() chat.Platform     { return chat.PlatformDiscord }
func (c *hookClient) Start(context.Context) error { return nil }
func (c *hookClient) Stop(context.Context) error  { return nil }
func (c *hookClient) OnMessage(chat.Handler)      {}
func (c *hookClient) Send(_ context.Context, channelID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{channel: channelID, text: text})
	return nil
}
func (c *hookClient) SendFiles(_ context.Context, channelID, comment string, paths []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = append(c.files, fileSend{channel: channelID, comment: comment, paths: paths})
	return nil
}
func (c *hookClient) MaxMessageLength() int { return 2000 }
func (c *hookClient) SupportsThreads() bool { return c.supportsThreads }
func (c *hookClient) StartThread(_ context.Context, channelID, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threadsStarted++
	return channelID + "-thread", nil
}
func (c *hookClient) AddReaction(context.Context, string, string, string) error    { return nil }
func (c *hookClient) RemoveReaction(context.Context, string, string, string) error { return nil }
func (c *hookClient) Typing(context.Context, string) error                         { return nil }
func (c *hookClient) ChannelName(context.Context, string) (string, error)          { return "", nil }
func (c *hookClient) RenameChannel(context.Context, string, string) error          { return nil }
func (c *hookClient) DeleteChannel(context.Context, string) error                  { return nil }

func (c *hookClient) messages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

type hookStore struct {
	projects map[string]*state.Project
}

func (s *hookStore) Projects() []*state.Project {
	var out []*state.Project
	for _, p := range s.projects {
		out = append(out, p)
	}
	return out
}
func (s *hookStore) Project(name string) (*state.Project, bool) {
	p, ok := s.projects[name]
	return p, ok
}
func (s *hookStore) InstanceForChannel(string) (*state.Project, *state.Instance, bool) {
	return nil, nil, false
}
func (s *hookStore) MapChannel(string, string, string) {}
func (s *hookStore) UnmapChannel(string)               {}
func (s *hookStore) PrimaryInstance(projectName, agentType string) (*state.Instance, bool) {
	p, ok := s.projects[projectName]
	if !ok {
		return nil, false
	}
	for _, inst := range p.Instances {
		if inst.AgentType == agentType && inst.Primary {
			return inst, true
		}
	}
	return nil, false
}
func (s *hookStore) RemoveInstance(string, string) error { return nil }
func (s *hookStore) TouchProject(string)                 {}
func (s *hookStore) Reload() error                       { return nil }

type serverFixture struct {
	server  *Server
	client  *hookClient
	tracker *pending.Tracker
	project *state.Project
}

func newServerFixture(t *testing.T, mutate func(*config.Options)) *serverFixture {
	t.Helper()
	opts := config.Default()
	if mutate != nil {
		mutate(&opts)
	}

	project := &state.Project{
		Name:    "proj",
		Path:    t.TempDir(),
		Session: "proj",
		Instances: map[string]*state.Instance{
			"codex":  {ID: "codex", AgentType: state.AgentCodex, Window: "codex", ChannelID: "chan-ev", EventHook: true},
			"claude": {ID: "claude", AgentType: state.AgentClaude, Window: "claude", ChannelID: "chan-cap", Primary: true},
		},
	}
	store := &hookStore{projects: map[string]*state.Project{"proj": project}}
	client := &hookClient{supportsThreads: true}
	tracker := pending.NewTracker(nil, time.Minute)
	resolver := route.NewResolver(store, route.NewMemory())

	return &serverFixture{
		server:  NewServer(opts, store, tracker, resolver, client),
		client:  client,
		tracker: tracker,
		project: project,
	}
}

func codexEvent(evType, turnID string) AgentEvent {
	return AgentEvent{ProjectName: "proj", InstanceID: "codex", Type: evType, TurnID: turnID}
}

var codexKey = pending.NewKey("proj", "codex", "codex")

func TestIngestUnknownProject(t *testing.T) {
	f := newServerFixture(t, nil)
	status, detail := f.server.ingest(context.Background(), AgentEvent{ProjectName: "nope", Type: EventFinal})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "unknown project or instance", detail)
}

func TestCaptureDrivenInstanceIgnoresEvents(t *testing.T) {
	f := newServerFixture(t, nil)

	ev := AgentEvent{ProjectName: "proj", InstanceID: "claude", Type: EventFinal, Text: "done"}
	status, detail := f.server.ingest(context.Background(), ev)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ignored", detail)
	assert.Empty(t, f.client.messages())

	key := pending.NewKey("proj", "claude", "claude")
	_, ignored, _ := f.server.registry.snapshotFor(key)
	assert.Equal(t, map[string]int{EventFinal: 1}, ignored)

	// The codex-poc source bypasses the capture-driven gate.
	ev.Source = "codex-poc"
	_, detail = f.server.ingest(context.Background(), ev)
	assert.Equal(t, "ok", detail)
	require.Len(t, f.client.messages(), 1)
	assert.Equal(t, "chan-cap", f.client.messages()[0].channel)
}

func TestDuplicateEventDeliversOnce(t *testing.T) {
	f := newServerFixture(t, nil)

	ev := codexEvent(EventFinal, "t1")
	ev.EventID = "evt-1"
	ev.Text = "answer"

	_, detail := f.server.ingest(context.Background(), ev)
	assert.Equal(t, "ok", detail)
	_, detail = f.server.ingest(context.Background(), ev)
	assert.Equal(t, "duplicate", detail)

	assert.Len(t, f.client.messages(), 1)
}

func TestOutOfOrderSeqIsDropped(t *testing.T) {
	f := newServerFixture(t, nil)

	newer := codexEvent(EventProgress, "t1")
	newer.Seq = int64p(2)
	newer.Text = "new status"
	_, detail := f.server.ingest(context.Background(), newer)
	assert.Equal(t, "ok", detail)

	older := codexEvent(EventProgress, "t1")
	older.Seq = int64p(1)
	older.Text = "old status"
	_, detail = f.server.ingest(context.Background(), older)
	assert.Equal(t, "stale", detail)

	st, _, _ := f.server.registry.snapshotFor(codexKey)
	require.NotNil(t, st)
	assert.Equal(t, int64(2), st.Seq)
	assert.Equal(t, "new status", f.server.progress.transcript(turnKey(codexKey, "t1")))
}

func TestStrictRejectBeforeStart(t *testing.T) {
	f := newServerFixture(t, func(o *config.Options) { o.LifecycleStrictMode = config.StrictReject })

	ev := codexEvent(EventProgress, "t1")
	ev.Text = "too early"
	_, detail := f.server.ingest(context.Background(), ev)
	assert.Equal(t, "rejected", detail)

	_, _, rejected := f.server.registry.snapshotFor(codexKey)
	assert.Equal(t, 1, rejected)
	assert.Empty(t, f.server.progress.transcript(turnKey(codexKey, "t1")))

	// After session.start the same event is admitted.
	_, detail = f.server.ingest(context.Background(), codexEvent(EventStart, "t1"))
	assert.Equal(t, "ok", detail)
	_, detail = f.server.ingest(context.Background(), ev)
	assert.Equal(t, "ok", detail)
}

func TestFinalFallsBackToProgressTranscript(t *testing.T) {
	f := newServerFixture(t, nil)

	f.server.ingest(context.Background(), codexEvent(EventStart, "t1"))

	progress := codexEvent(EventProgress, "t1")
	progress.Text = "partial output from the turn"
	f.server.ingest(context.Background(), progress)
	// Progress forwarding is off, so nothing streamed yet.
	assert.Empty(t, f.client.messages())

	f.server.ingest(context.Background(), codexEvent(EventFinal, "t1"))

	msgs := f.client.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "chan-ev", msgs[0].channel)
	assert.Equal(t, "partial output from the turn", msgs[0].text)

	// Turn state is wiped after the terminal event.
	assert.Empty(t, f.server.progress.transcript(turnKey(codexKey, "t1")))
}

func TestFinalExtractsProjectFiles(t *testing.T) {
	f := newServerFixture(t, nil)
	real := writeProjectFile(t, f.project.Path, "out/report.txt")

	ev := codexEvent(EventFinal, "t1")
	ev.Text = "Wrote out/report.txt with the results.\nDone."
	f.server.ingest(context.Background(), ev)

	msgs := f.client.messages()
	require.Len(t, msgs, 1)
	assert.NotContains(t, msgs[0].text, "out/report.txt")
	assert.Contains(t, msgs[0].text, "Done.")

	require.Len(t, f.client.files, 1)
	assert.Equal(t, "Files from this turn:", f.client.files[0].comment)
	assert.Equal(t, []string{real}, f.client.files[0].paths)
}

func TestErrorEventResolvesPendingTurn(t *testing.T) {
	f := newServerFixture(t, nil)
	f.tracker.MarkPending(codexKey, "chan-ev", "t1", "the prompt")

	ev := codexEvent(EventError, "t1")
	ev.Text = "compile failed"
	f.server.ingest(context.Background(), ev)

	msgs := f.client.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].text, "reported an error")
	assert.Contains(t, msgs[0].text, "compile failed")

	assert.Equal(t, 0, f.tracker.PendingDepth(codexKey))
	ts, ok := f.tracker.Terminal(codexKey)
	require.True(t, ok)
	assert.Equal(t, chat.StageError, ts.Stage)
}

func TestCancelledEventNotifies(t *testing.T) {
	f := newServerFixture(t, nil)
	f.tracker.MarkPending(codexKey, "chan-ev", "t1", "the prompt")

	f.server.ingest(context.Background(), codexEvent(EventCancelled, "t1"))

	msgs := f.client.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "The turn was cancelled.", msgs[0].text)
	assert.Equal(t, 0, f.tracker.PendingDepth(codexKey))
}

func TestFinalRoutesToPendingOrigin(t *testing.T) {
	f := newServerFixture(t, nil)
	// A single turn delivered from a thread goes back to that thread.
	f.tracker.MarkPending(codexKey, "thread-9", "t1", "prompt")

	ev := codexEvent(EventFinal, "t1")
	ev.Text = "answer"
	f.server.ingest(context.Background(), ev)

	msgs := f.client.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "thread-9", msgs[0].channel)
}

func TestCodexEventOnlyRedirectsChannelProgress(t *testing.T) {
	f := newServerFixture(t, func(o *config.Options) {
		o.ProgressForward = config.ProgressChannel
		o.ProgressBlockStreaming = false
		o.CodexEventOnly = true
	})

	ev := codexEvent(EventProgress, "t1")
	ev.Text = "working on it"
	f.server.ingest(context.Background(), ev)

	// Channel progress is rewritten to a per-turn thread.
	assert.Equal(t, 1, f.client.threadsStarted)
	msgs := f.client.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "chan-ev-thread", msgs[0].channel)
}

func TestAgentEventEndpointValidation(t *testing.T) {
	f := newServerFixture(t, nil)

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/agent-event", strings.NewReader(body))
		w := httptest.NewRecorder()
		f.server.handleAgentEvent(w, req)
		return w
	}

	assert.Equal(t, http.StatusBadRequest, post("{not json").Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"type":"session.final"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"projectName":"proj","type":"bogus"}`).Code)

	w := post(`{"projectName":"proj","instanceId":"codex","type":"session.final","text":"hi","turnId":"t1"}`)
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.client.messages(), 1)
}

func TestSendFilesEndpoint(t *testing.T) {
	f := newServerFixture(t, nil)
	real := writeProjectFile(t, f.project.Path, "artifact.bin")

	post := func(req SendFilesRequest) *httptest.ResponseRecorder {
		body, err := json.Marshal(req)
		require.NoError(t, err)
		r := httptest.NewRequest(http.MethodPost, "/send-files", bytes.NewReader(body))
		w := httptest.NewRecorder()
		f.server.handleSendFiles(w, r)
		return w
	}

	w := post(SendFilesRequest{ProjectName: "proj", InstanceID: "codex"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "No files provided")

	w = post(SendFilesRequest{ProjectName: "nope", Files: []string{"artifact.bin"}})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = post(SendFilesRequest{ProjectName: "proj", InstanceID: "codex", Files: []string{"../outside.bin"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "No valid files")

	w = post(SendFilesRequest{ProjectName: "proj", InstanceID: "codex", Files: []string{"artifact.bin"}})
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.client.files, 1)
	assert.Equal(t, []string{real}, f.client.files[0].paths)
	assert.Equal(t, "chan-ev", f.client.files[0].channel)
}

func TestRuntimeStatusAggregates(t *testing.T) {
	f := newServerFixture(t, nil)

	f.server.ingest(context.Background(), codexEvent(EventStart, "t1"))
	progress := codexEvent(EventProgress, "t1")
	progress.Seq = int64p(2)
	f.server.ingest(context.Background(), progress)
	f.tracker.MarkPending(pending.NewKey("proj", "claude", "claude"), "chan-cap", "m1", "prompt")

	req := httptest.NewRequest(http.MethodGet, "/runtime-status", nil)
	w := httptest.NewRecorder()
	f.server.handleRuntimeStatus(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var status RuntimeStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	require.Len(t, status.Instances, 2)

	byID := make(map[string]InstanceStatus)
	for _, row := range status.Instances {
		byID[row.InstanceID] = row
	}

	codex := byID["codex"]
	assert.True(t, codex.EventHook)
	assert.Equal(t, StageProgress, codex.EventLifecycleStage)
	assert.Equal(t, "t1", codex.EventLifecycleTurnID)
	assert.Equal(t, int64(2), codex.EventLifecycleSeq)
	assert.Equal(t, string(config.ProgressOff), codex.EventProgressMode)

	claude := byID["claude"]
	assert.False(t, claude.EventHook)
	assert.Equal(t, 1, claude.PendingDepth)
	assert.Equal(t, chat.StageReceived, claude.OldestStage)
}
