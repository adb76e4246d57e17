package hooks

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/agentbridge/internal/chat"
	"github.com/nextlevelbuilder/agentbridge/internal/config"
)

// progressState owns the per-turn progress machinery: the coalescing
// block buffers, the running transcripts used as final-text fallback, the
// per-turn progress-mode memory, and the per-turn long-output threads.
type progressState struct {
	opts   config.Options
	client chat.Client

	mu          sync.Mutex
	blocks      map[string]*progressBlock
	transcripts map[string]string
	modes       map[string]config.ProgressForward
	modeAt      map[string]time.Time
	threads     map[string]string

	// sendMu serializes flushes: the size path and the timer path must
	// not interleave output for the same block.
	sendMu sync.Mutex
}

type progressBlock struct {
	text      string
	channelID string
	mode      config.ProgressForward
	timer     *time.Timer
}

func newProgressState(opts config.Options, client chat.Client) *progressState {
	return &progressState{
		opts:        opts,
		client:      client,
		blocks:      make(map[string]*progressBlock),
		transcripts: make(map[string]string),
		modes:       make(map[string]config.ProgressForward),
		modeAt:      make(map[string]time.Time),
		threads:     make(map[string]string),
	}
}

// setMode remembers the progress mode chosen for a turn.
func (p *progressState) setMode(tk string, mode config.ProgressForward) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.modes[tk] = mode
	p.modeAt[tk] = time.Now()
}

// mode returns the remembered progress mode for a turn.
func (p *progressState) mode(tk string) (config.ProgressForward, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.modes[tk]
	return m, ok
}

// appendTranscript accumulates progress text for the final-from-progress
// fallback, keeping at most the configured tail.
func (p *progressState) appendTranscript(tk, text string) {
	if text == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.transcripts[tk]
	if cur != "" && !strings.HasSuffix(cur, "\n") {
		cur += "\n"
	}
	cur += text
	if max := p.opts.TranscriptMaxChars; max > 0 && len(cur) > max {
		cut := len(cur) - max
		for cut < len(cur) && !utf8.RuneStart(cur[cut]) {
			cut++
		}
		cur = cur[cut:]
	}
	p.transcripts[tk] = cur
}

// transcript returns the accumulated progress text for a turn.
func (p *progressState) transcript(tk string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transcripts[tk]
}

// buffer coalesces progress text into the turn's block, flushing on size.
// Without streaming the text is sent straight through.
func (p *progressState) buffer(tk, channelID, text string, mode config.ProgressForward, streaming bool, window time.Duration, maxChars int) {
	if text == "" {
		return
	}
	if !streaming {
		p.flushText(tk, channelID, mode, text)
		return
	}

	p.mu.Lock()
	block := p.blocks[tk]
	if block == nil {
		block = &progressBlock{channelID: channelID, mode: mode}
		block.timer = time.AfterFunc(window, func() { p.flushBlock(tk) })
		p.blocks[tk] = block
	}
	block.text = mergeOverlap(block.text, text)
	full := maxChars > 0 && len(block.text) >= maxChars
	p.mu.Unlock()

	if full {
		p.flushBlock(tk)
	}
}

// flushBlock sends and clears the turn's buffered block.
func (p *progressState) flushBlock(tk string) {
	p.mu.Lock()
	block := p.blocks[tk]
	if block == nil {
		p.mu.Unlock()
		return
	}
	delete(p.blocks, tk)
	block.timer.Stop()
	text, channelID, mode := block.text, block.channelID, block.mode
	p.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		return
	}
	p.flushText(tk, channelID, mode, text)
}

// flushText delivers progress output to its destination: the route
// channel directly, or a per-turn thread created on first use.
func (p *progressState) flushText(tk, channelID string, mode config.ProgressForward, text string) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	ctx := context.Background()
	dest := channelID
	if mode == config.ProgressThread {
		threadID, err := p.turnThread(ctx, tk, channelID)
		if err != nil {
			slog.Warn("progress thread unavailable, dropping progress", "error", err)
			return
		}
		dest = threadID
	}
	if dest == "" {
		return
	}
	for _, chunk := range chat.SplitMessage(text, p.client.MaxMessageLength()) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		if err := p.client.Send(ctx, dest, chunk); err != nil {
			slog.Warn("progress send failed", "channel_id", dest, "error", err)
		}
	}
}

func (p *progressState) turnThread(ctx context.Context, tk, channelID string) (string, error) {
	p.mu.Lock()
	threadID, ok := p.threads[tk]
	p.mu.Unlock()
	if ok {
		return threadID, nil
	}
	threadID, err := p.client.StartThread(ctx, channelID, "progress")
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.threads[tk] = threadID
	p.mu.Unlock()
	return threadID, nil
}

// cancel drops any buffered block for the turn without sending it.
func (p *progressState) cancel(tk string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if block := p.blocks[tk]; block != nil {
		block.timer.Stop()
		delete(p.blocks, tk)
	}
}

// clearTurn wipes all progress state for a turn; called on session.start
// so residue from a crashed turn never leaks into the next one, and after
// terminal events.
func (p *progressState) clearTurn(tk string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if block := p.blocks[tk]; block != nil {
		block.timer.Stop()
		delete(p.blocks, tk)
	}
	delete(p.transcripts, tk)
	delete(p.modes, tk)
	delete(p.modeAt, tk)
	delete(p.threads, tk)
}

// stop cancels all timers and drops all buffered state.
func (p *progressState) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for tk, block := range p.blocks {
		block.timer.Stop()
		delete(p.blocks, tk)
	}
	p.transcripts = make(map[string]string)
	p.modes = make(map[string]config.ProgressForward)
	p.modeAt = make(map[string]time.Time)
	p.threads = make(map[string]string)
}

// prune drops progress-mode memory older than the lifecycle staleness
// window.
func (p *progressState) prune() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for tk, at := range p.modeAt {
		if now.Sub(at) > p.opts.LifecycleStale {
			delete(p.modes, tk)
			delete(p.modeAt, tk)
			delete(p.threads, tk)
			delete(p.transcripts, tk)
		}
	}
}

// mergeOverlap joins two progress fragments without repeating content
// that already streamed: the longest suffix of existing that is a prefix
// of next is emitted only once.
func mergeOverlap(existing, next string) string {
	if existing == "" {
		return next
	}
	if next == "" {
		return existing
	}
	max := len(existing)
	if len(next) < max {
		max = len(next)
	}
	for k := max; k > 0; k-- {
		if existing[len(existing)-k:] == next[:k] {
			return existing + next[k:]
		}
	}
	if strings.HasSuffix(existing, "\n") || strings.HasPrefix(next, "\n") {
		return existing + next
	}
	return existing + "\n" + next
}
