package streaming

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cursorbot/cursorbot/pkg/logger"
)

// State is a draft's lifecycle state (spec §4.7, grounded on
// original_source/src/core/draft_streaming.py's StreamState).
type State string

const (
	StateIdle       State = "idle"
	StateStreaming  State = "streaming"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// Config tunes the debounce/update policy (spec §4.7).
type Config struct {
	MinUpdateInterval time.Duration // min gap between platform edits: 300ms
	BatchChars        int           // batch threshold: 20 buffered characters
	MaxUpdatesPerSec  float64       // hard ceiling: 3
	DebounceWindow    time.Duration // pending-flush debounce window
	CursorGlyph       string        // shown between flushes, e.g. "▌"
}

func DefaultConfig() Config {
	return Config{
		MinUpdateInterval: 300 * time.Millisecond,
		BatchChars:        20,
		MaxUpdatesPerSec:  3,
		DebounceWindow:    100 * time.Millisecond,
		CursorGlyph:       "▌",
	}
}

// Draft is one outbound draft message being streamed (spec §4.7
// "start_stream/append/complete").
type Draft struct {
	ChatID    string
	MessageID string

	mu          sync.Mutex
	content     strings.Builder
	buffer      strings.Builder
	state       State
	createdAt   time.Time
	lastUpdate  time.Time
	updateCount int
	timer       *time.Timer
	limiter     *rate.Limiter
}

func (d *Draft) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// UpdateFunc is invoked whenever a draft's visible content should be pushed
// to the platform (edit the message). final=true marks the closing edit
// (cursor glyph removed, rate ceiling bypassed).
type UpdateFunc func(d *Draft, content string, final bool)

// CompleteFunc is invoked once a draft has fully flushed and completed.
type CompleteFunc func(d *Draft)

// Streamer owns every in-flight draft (spec §4.7 "Streaming & Chunker").
// Grounded on original_source/src/core/draft_streaming.py's DraftStreamer,
// reworked from asyncio tasks/callbacks onto goroutine-safe timers and
// an x/time/rate limiter for the hard edits-per-second ceiling.
type Streamer struct {
	mu         sync.Mutex
	cfg        Config
	drafts     map[string]*Draft
	onUpdate   UpdateFunc
	onComplete CompleteFunc
}

func New(cfg Config) *Streamer {
	return &Streamer{cfg: cfg, drafts: map[string]*Draft{}}
}

func (s *Streamer) OnUpdate(fn UpdateFunc)     { s.onUpdate = fn }
func (s *Streamer) OnComplete(fn CompleteFunc) { s.onComplete = fn }

func draftKey(chatID, messageID string) string { return chatID + ":" + messageID }

// StartStream allocates a draft in state streaming (spec §4.7
// "start_stream(chat_id, message_id, initial='')").
func (s *Streamer) StartStream(chatID, messageID, initial string) *Draft {
	d := &Draft{
		ChatID:     chatID,
		MessageID:  messageID,
		state:      StateStreaming,
		createdAt:  time.Now(),
		lastUpdate: time.Now(),
		limiter:    rate.NewLimiter(rate.Limit(s.cfg.MaxUpdatesPerSec), 1),
	}
	d.content.WriteString(initial)

	s.mu.Lock()
	s.drafts[draftKey(chatID, messageID)] = d
	s.mu.Unlock()

	logger.DebugCF("streaming", "Draft stream started", map[string]any{
		"chat_id": chatID, "message_id": messageID,
	})
	return d
}

// Append queues text onto the draft's buffer (spec §4.7 "append(chat_id,
// message_id, text)"); a pending flush is scheduled via a debounced timer
// once the batch threshold or min-update-interval condition is met.
// Re-appending within the debounce window cancels and reschedules the
// previous timer.
func (s *Streamer) Append(chatID, messageID, text string) {
	d := s.get(chatID, messageID)
	if d == nil {
		return
	}

	d.mu.Lock()
	if d.state != StateStreaming {
		d.mu.Unlock()
		return
	}
	d.buffer.WriteString(text)
	shouldSchedule := d.buffer.Len() >= s.cfg.BatchChars || time.Since(d.lastUpdate) >= s.cfg.MinUpdateInterval
	if shouldSchedule {
		if d.timer != nil {
			d.timer.Stop()
		}
		d.timer = time.AfterFunc(s.cfg.DebounceWindow, func() { s.flushAndUpdate(d) })
	}
	d.mu.Unlock()
}

func (s *Streamer) get(chatID, messageID string) *Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drafts[draftKey(chatID, messageID)]
}

func (s *Streamer) flushAndUpdate(d *Draft) {
	d.mu.Lock()
	if d.buffer.Len() == 0 {
		d.mu.Unlock()
		return
	}
	d.content.WriteString(d.buffer.String())
	d.buffer.Reset()
	d.mu.Unlock()
	s.sendUpdate(d, false)
}

func (s *Streamer) sendUpdate(d *Draft, final bool) {
	// The hard edits/sec ceiling applies to every update except the final
	// one, which is always sent even if it would violate the rate limit
	// (spec §4.7 "Final edit is always sent...").
	if !final && !d.limiter.Allow() {
		return
	}

	d.mu.Lock()
	content := d.content.String()
	if !final && s.cfg.CursorGlyph != "" {
		content += s.cfg.CursorGlyph
	}
	d.lastUpdate = time.Now()
	d.updateCount++
	d.mu.Unlock()

	if s.onUpdate != nil {
		s.onUpdate(d, content, final)
	}
}

// Complete flushes the buffer, marks the draft completed, fires the final
// update and completion callback, then releases the draft (spec §4.7
// "complete(chat_id, message_id, final?)").
func (s *Streamer) Complete(chatID, messageID string, final string) {
	d := s.get(chatID, messageID)
	if d == nil {
		return
	}

	d.mu.Lock()
	if d.buffer.Len() > 0 {
		d.content.WriteString(d.buffer.String())
		d.buffer.Reset()
	}
	if final != "" {
		d.content.Reset()
		d.content.WriteString(final)
	}
	d.state = StateCompleted
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()

	s.sendUpdate(d, true)

	if s.onComplete != nil {
		s.onComplete(d)
	}

	s.cleanup(chatID, messageID)
	logger.DebugCF("streaming", "Draft stream completed", map[string]any{
		"chat_id": chatID, "message_id": messageID,
	})
}

// Cancel abandons a draft without a final flush or completion callback.
func (s *Streamer) Cancel(chatID, messageID string) {
	d := s.get(chatID, messageID)
	if d == nil {
		return
	}
	d.mu.Lock()
	d.state = StateIdle
	if d.timer != nil {
		d.timer.Stop()
	}
	d.mu.Unlock()
	s.cleanup(chatID, messageID)
}

func (s *Streamer) cleanup(chatID, messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.drafts, draftKey(chatID, messageID))
}

// ActiveStreams returns every draft currently in state streaming.
func (s *Streamer) ActiveStreams() []*Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Draft
	for _, d := range s.drafts {
		if d.State() == StateStreaming {
			out = append(out, d)
		}
	}
	return out
}

// Stats reports a count of drafts by state, for health/metrics reporting.
func (s *Streamer) Stats() map[State]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[State]int{}
	for _, d := range s.drafts {
		out[d.State()]++
	}
	return out
}
