package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/agentbridge/internal/chat"
	"github.com/nextlevelbuilder/agentbridge/internal/config"
	"github.com/nextlevelbuilder/agentbridge/internal/pending"
	"github.com/nextlevelbuilder/agentbridge/internal/route"
	"github.com/nextlevelbuilder/agentbridge/internal/state"
)

// Server is the loopback HTTP endpoint agents post session.* events to. It
// also exposes the runtime status aggregate, the state reload trigger, and
// the file delivery endpoint.
type Server struct {
	opts     config.Options
	store    state.Store
	tracker  *pending.Tracker
	resolver *route.Resolver
	client   chat.Client

	registry *registry
	progress *progressState
	tracer   trace.Tracer

	httpServer *http.Server
}

// NewServer wires a hook server over the shared runtime components.
func NewServer(opts config.Options, store state.Store, tracker *pending.Tracker, resolver *route.Resolver, client chat.Client) *Server {
	return &Server{
		opts:     opts,
		store:    store,
		tracker:  tracker,
		resolver: resolver,
		client:   client,
		registry: newRegistry(opts),
		progress: newProgressState(opts, client),
		tracer:   otel.Tracer("agentbridge/hooks"),
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.opts.HookHost, strconv.Itoa(s.opts.HookPort))
}

// Start begins serving on the configured loopback address. It returns once
// the listener is bound; serving continues in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /runtime-status", s.handleRuntimeStatus)
	mux.HandleFunc("POST /reload", s.handleReload)
	mux.HandleFunc("POST /send-files", s.handleSendFiles)
	mux.HandleFunc("POST /agent-event", s.handleAgentEvent)
	mux.HandleFunc("POST /opencode-event", s.handleAgentEvent)

	listener, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("hook server listen: %w", err)
	}
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("hook server terminated", "error", err)
		}
	}()
	slog.Info("hook server started", "addr", s.Addr())
	return nil
}

// Stop shuts the server down, cancels buffered progress timers, and drops
// transcripts.
func (s *Server) Stop(ctx context.Context) error {
	s.progress.stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// InstanceStatus is one instance's row in the /runtime-status aggregate.
type InstanceStatus struct {
	ProjectName  string     `json:"projectName"`
	InstanceID   string     `json:"instanceId"`
	AgentType    string     `json:"agentType"`
	EventHook    bool       `json:"eventHook"`
	PendingDepth int        `json:"pendingDepth"`
	OldestStage  string     `json:"oldestStage,omitempty"`
	LatestStage  string     `json:"latestStage,omitempty"`
	OldestAt     *time.Time `json:"oldestAt,omitempty"`

	EventLifecycleStage         string         `json:"eventLifecycleStage,omitempty"`
	EventLifecycleTurnID        string         `json:"eventLifecycleTurnId,omitempty"`
	EventLifecycleSeq           int64          `json:"eventLifecycleSeq,omitempty"`
	EventLifecycleUpdatedAt     *time.Time     `json:"eventLifecycleUpdatedAt,omitempty"`
	IgnoredEventCounts          map[string]int `json:"ignoredEventCounts,omitempty"`
	LifecycleRejectedEventCount int            `json:"lifecycleRejectedEventCount,omitempty"`
	EventProgressMode           string         `json:"eventProgressMode,omitempty"`
}

// RuntimeStatus is the /runtime-status response body.
type RuntimeStatus struct {
	GeneratedAt time.Time        `json:"generatedAt"`
	Instances   []InstanceStatus `json:"instances"`
}

func (s *Server) handleRuntimeStatus(w http.ResponseWriter, r *http.Request) {
	pendingByKey := make(map[pending.Key]pending.Snapshot)
	for _, snap := range s.tracker.RuntimeSnapshot() {
		pendingByKey[snap.Key] = snap
	}
	s.progress.prune()

	status := RuntimeStatus{GeneratedAt: time.Now()}
	for _, project := range s.store.Projects() {
		for _, inst := range project.Instances {
			key := pending.NewKey(project.Name, inst.AgentType, inst.ID)
			row := InstanceStatus{
				ProjectName: project.Name,
				InstanceID:  inst.ID,
				AgentType:   inst.AgentType,
				EventHook:   inst.EventHook,
			}
			if snap, ok := pendingByKey[key]; ok {
				row.PendingDepth = snap.Depth
				row.OldestStage = snap.OldestStage
				row.LatestStage = snap.LatestStage
				if !snap.OldestAt.IsZero() {
					at := snap.OldestAt
					row.OldestAt = &at
				}
			}
			lifecycle, ignored, rejected := s.registry.snapshotFor(key)
			if lifecycle != nil {
				row.EventLifecycleStage = lifecycle.Stage
				row.EventLifecycleTurnID = lifecycle.TurnID
				row.EventLifecycleSeq = lifecycle.Seq
				at := lifecycle.UpdatedAt
				row.EventLifecycleUpdatedAt = &at
				if mode, ok := s.progress.mode(turnKey(key, lifecycle.TurnID)); ok {
					row.EventProgressMode = string(mode)
				}
			}
			row.IgnoredEventCounts = ignored
			row.LifecycleRejectedEventCount = rejected
			status.Instances = append(status.Instances, row)
		}
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Reload(); err != nil {
		slog.Error("state reload failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reload failed")
		return
	}
	slog.Info("state reloaded")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleSendFiles(w http.ResponseWriter, r *http.Request) {
	var req SendFilesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Files) == 0 {
		writeError(w, http.StatusBadRequest, "No files provided")
		return
	}

	result, ok := s.resolver.Resolve(route.Query{
		AgentType:        req.AgentType,
		ProjectName:      req.ProjectName,
		MappedInstanceID: req.InstanceID,
	})
	if !ok || result.Instance.ChannelID == "" {
		writeError(w, http.StatusNotFound, "Project/channel not found")
		return
	}

	var valid []string
	for _, f := range req.Files {
		if real, ok := resolveProjectFile(f, result.Project.Path); ok {
			valid = append(valid, real)
		}
	}
	if len(valid) == 0 {
		writeError(w, http.StatusBadRequest, "No valid files")
		return
	}

	key := pending.NewKey(result.Project.Name, result.Instance.AgentType, result.Instance.ID)
	channelID := s.outputChannel(key, result.Instance.ChannelID)
	if err := s.client.SendFiles(r.Context(), channelID, "Files from the agent:", valid); err != nil {
		slog.Error("send-files delivery failed",
			"project", result.Project.Name, "instance", result.Instance.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "file delivery failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": len(valid)})
}

func (s *Server) handleAgentEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := ParseEvent(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, span := s.tracer.Start(r.Context(), "hooks.ingest",
		trace.WithAttributes(
			attribute.String("event.type", ev.Type),
			attribute.String("event.project", ev.ProjectName),
			attribute.String("event.turn_id", ev.TurnID),
		))
	defer span.End()

	status, detail := s.ingest(ctx, ev)
	if status != http.StatusOK {
		writeError(w, status, detail)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": detail})
}

// ingest runs the event pipeline: resolve, ignore-gate, dedupe, sequence
// gate, lifecycle gate, lifecycle update, dispatch.
func (s *Server) ingest(ctx context.Context, ev AgentEvent) (int, string) {
	result, ok := s.resolver.Resolve(route.Query{
		AgentType:        ev.AgentType,
		ProjectName:      ev.ProjectName,
		MappedInstanceID: ev.InstanceID,
	})
	if !ok {
		return http.StatusBadRequest, "unknown project or instance"
	}
	project, inst := result.Project, result.Instance
	key := pending.NewKey(project.Name, inst.AgentType, inst.ID)

	if !inst.EventHook && ev.Source != codexPOCSource {
		s.registry.countIgnored(key, ev.Type)
		slog.Debug("event ignored for capture-driven instance",
			"project", project.Name, "instance", inst.ID, "type", ev.Type)
		return http.StatusOK, "ignored"
	}

	if s.registry.seen(key, ev.EventID) {
		slog.Debug("duplicate event dropped",
			"project", project.Name, "instance", inst.ID, "event_id", ev.EventID)
		return http.StatusOK, "duplicate"
	}

	if !s.registry.admitSeq(key, ev.TurnID, ev.Seq) {
		slog.Debug("stale event dropped",
			"project", project.Name, "instance", inst.ID, "turn_id", ev.TurnID, "seq", *ev.Seq)
		return http.StatusOK, "stale"
	}

	if ev.Type != EventStart && !s.registry.hasStarted(key, ev.TurnID) {
		switch s.opts.LifecycleStrictMode {
		case config.StrictReject:
			s.registry.countRejected(key)
			slog.Warn("event rejected, no session.start seen",
				"project", project.Name, "instance", inst.ID, "turn_id", ev.TurnID, "type", ev.Type)
			return http.StatusOK, "rejected"
		case config.StrictWarn:
			slog.Warn("event arrived before session.start",
				"project", project.Name, "instance", inst.ID, "turn_id", ev.TurnID, "type", ev.Type)
		}
	}

	s.registry.updateLifecycle(key, ev)

	switch ev.Type {
	case EventStart:
		s.dispatchStart(key, ev)
	case EventProgress:
		s.dispatchProgress(key, inst, ev)
	case EventFinal, EventIdle:
		s.dispatchFinal(ctx, key, project, inst, ev)
	case EventError:
		s.dispatchError(ctx, key, inst, ev)
	case EventCancelled:
		s.dispatchCancelled(ctx, key, inst, ev)
	}
	return http.StatusOK, "ok"
}

func (s *Server) dispatchStart(key pending.Key, ev AgentEvent) {
	// Residue from a crashed previous turn with the same id must not leak
	// into this one.
	s.progress.clearTurn(turnKey(key, ev.TurnID))
	s.registry.markStarted(key, ev.TurnID)
	slog.Debug("turn started", "project", key.Project, "instance", key.InstanceID, "turn_id", ev.TurnID)
}

func (s *Server) dispatchProgress(key pending.Key, inst *state.Instance, ev AgentEvent) {
	tk := turnKey(key, ev.TurnID)
	mode := s.progressMode(key, ev)
	s.progress.setMode(tk, mode)
	s.progress.appendTranscript(tk, ev.Text)
	if mode == config.ProgressOff {
		return
	}

	channelID := s.outputChannel(key, inst.ChannelID)
	if channelID == "" {
		return
	}

	streaming := s.opts.ProgressBlockStreaming
	if ev.ProgressBlockStreaming != nil {
		streaming = *ev.ProgressBlockStreaming
	}
	window := s.opts.ProgressBlockWindow
	if ev.ProgressBlockWindowMs != nil && *ev.ProgressBlockWindowMs > 0 {
		window = time.Duration(*ev.ProgressBlockWindowMs) * time.Millisecond
	}
	maxChars := s.opts.ProgressBlockMaxChars
	if ev.ProgressBlockMaxChars != nil && *ev.ProgressBlockMaxChars > 0 {
		maxChars = *ev.ProgressBlockMaxChars
	}
	s.progress.buffer(tk, channelID, ev.Text, mode, streaming, window, maxChars)
}

func (s *Server) dispatchFinal(ctx context.Context, key pending.Key, project *state.Project, inst *state.Instance, ev AgentEvent) {
	tk := turnKey(key, ev.TurnID)
	s.progress.cancel(tk)

	text := ev.Text
	mode, hasMode := s.progress.mode(tk)
	if text == "" && s.opts.FinalFromProgress && (!hasMode || mode != config.ProgressChannel) {
		text = s.progress.transcript(tk)
	}

	source := ev.TurnText
	if source == "" {
		source = text
	}
	files, _ := ExtractProjectFiles(source, project.Path)
	display := text
	if len(files) > 0 {
		_, display = ExtractProjectFiles(text, project.Path)
	}

	channelID := s.outputChannel(key, inst.ChannelID)
	if channelID != "" && display != "" {
		if err := chat.Deliver(ctx, s.client, channelID, display, s.opts.LongOutputThreadThreshold); err != nil {
			slog.Warn("final delivery failed",
				"project", key.Project, "instance", key.InstanceID, "error", err)
		}
	}
	if channelID != "" && len(files) > 0 {
		if err := s.client.SendFiles(ctx, channelID, "Files from this turn:", files); err != nil {
			slog.Warn("turn file delivery failed",
				"project", key.Project, "instance", key.InstanceID, "error", err)
		}
	}

	s.completeTurn(key, ev.TurnID)
	s.progress.clearTurn(tk)
}

func (s *Server) dispatchError(ctx context.Context, key pending.Key, inst *state.Instance, ev AgentEvent) {
	tk := turnKey(key, ev.TurnID)
	s.progress.cancel(tk)

	channelID := s.outputChannel(key, inst.ChannelID)
	if channelID != "" {
		msg := "The agent reported an error."
		if ev.Text != "" {
			msg = "The agent reported an error:\n" + ev.Text
		}
		if err := s.client.Send(ctx, channelID, chat.Truncate(msg, s.client.MaxMessageLength())); err != nil {
			slog.Warn("error notice send failed", "project", key.Project, "error", err)
		}
	}

	if ev.TurnID == "" || !s.tracker.MarkErrorByMessageID(key, ev.TurnID) {
		s.tracker.MarkError(key, pending.Head)
	}
	s.progress.clearTurn(tk)
}

func (s *Server) dispatchCancelled(ctx context.Context, key pending.Key, inst *state.Instance, ev AgentEvent) {
	tk := turnKey(key, ev.TurnID)
	s.progress.cancel(tk)

	channelID := s.outputChannel(key, inst.ChannelID)
	if channelID != "" {
		if err := s.client.Send(ctx, channelID, "The turn was cancelled."); err != nil {
			slog.Warn("cancel notice send failed", "project", key.Project, "error", err)
		}
	}

	s.completeTurn(key, ev.TurnID)
	s.progress.clearTurn(tk)
}

// completeTurn resolves the pending turn identified by the turn id,
// falling back to the head of the queue when the id matches nothing.
func (s *Server) completeTurn(key pending.Key, turnID string) {
	if turnID != "" && s.tracker.MarkCompletedByMessageID(key, turnID) {
		return
	}
	s.tracker.MarkCompleted(key)
}

// progressMode resolves the effective progress mode for an event: the
// environment default, the per-event override, then the codex event-only
// gate that keeps channel progress out of the main channel.
func (s *Server) progressMode(key pending.Key, ev AgentEvent) config.ProgressForward {
	mode := s.opts.ProgressForward
	if ev.ProgressMode != "" {
		mode = config.ParseProgressForward(ev.ProgressMode)
	}
	if key.AgentType == state.AgentCodex && s.opts.CodexEventOnly && mode == config.ProgressChannel {
		if s.client.SupportsThreads() {
			mode = config.ProgressThread
		} else {
			mode = config.ProgressOff
		}
	}
	return mode
}

// outputChannel prefers the pending turn's origin channel via the shared
// output route.
func (s *Server) outputChannel(key pending.Key, defaultChannel string) string {
	pendingChannel, _ := s.tracker.PendingChannel(key)
	return route.OutputChannel(defaultChannel, pendingChannel, s.tracker.PendingDepth(key))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("response encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
