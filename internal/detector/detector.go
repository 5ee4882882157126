package detector

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/tokenwatch/monitor/internal/bus"
	"github.com/tokenwatch/monitor/internal/models"
	"github.com/tokenwatch/monitor/internal/utils"
)

// DefaultDebounce, DefaultRingSize, and DefaultTailLines are the named
// defaults for per-source debounce, the bounded detection-event cache,
// and the number of lines tailed when a file source is first attached.
const (
	DefaultDebounce     = 500 * time.Millisecond
	DefaultRingSize     = 1000
	DefaultTailLines    = 50
	DefaultPanePollRate = 5 * time.Second
)

// Config configures a Detector.
type Config struct {
	Debounce     time.Duration
	RingSize     int
	PanePollRate time.Duration
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.RingSize <= 0 {
		c.RingSize = DefaultRingSize
	}
	if c.PanePollRate <= 0 {
		c.PanePollRate = DefaultPanePollRate
	}
	return c
}

// Detector tails configured sources and emits DetectionEvents onto the
// bus. One reader goroutine runs per active source; extraction and
// emission for a given source happen synchronously on that source's
// reader, so ordering within a source is preserved.
type Detector struct {
	cfg      Config
	registry *Registry
	bus      *bus.Bus
	ring     *utils.Queue[models.DetectionEvent]

	mu             sync.Mutex
	lastActivity   map[string]time.Time
	debounceTimers map[string]*time.Timer
	sources        map[string]context.CancelFunc
	sourceKinds    map[string]models.SourceKind
	stats          statCounters
}

type statCounters struct {
	mu                    sync.Mutex
	totalDetections       int64
	successfulExtractions int64
	failedExtractions     int64
	totalProcessingTime   time.Duration
}

// New returns a Detector backed by reg for pattern matching and b for
// publishing DetectionEvents.
func New(reg *Registry, b *bus.Bus, cfg Config) *Detector {
	cfg = cfg.withDefaults()
	return &Detector{
		cfg:            cfg,
		registry:       reg,
		bus:            b,
		ring:           utils.NewQueue[models.DetectionEvent](cfg.RingSize),
		lastActivity:   make(map[string]time.Time),
		debounceTimers: make(map[string]*time.Timer),
		sources:        make(map[string]context.CancelFunc),
		sourceKinds:    make(map[string]models.SourceKind),
	}
}

// AddFileSource tails path, emitting an initial tail of up to
// DefaultTailLines lines followed by a live fsnotify-driven follow. The
// sourceID is used for debounce bookkeeping and appears on every emitted
// DetectionEvent.
func (d *Detector) AddFileSource(sourceID, path string) error {
	ctx, _ := d.registerSource(sourceID, models.SourceFile)
	go d.runFileSource(ctx, sourceID, path)
	return nil
}

// AddProcessSource starts cmd and streams its stdout and stderr, line by
// line.
func (d *Detector) AddProcessSource(sourceID string, cmd *exec.Cmd) error {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("detector: stdout pipe for %s: %w", sourceID, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("detector: stderr pipe for %s: %w", sourceID, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("detector: starting process source %s: %w", sourceID, err)
	}

	ctx, _ := d.registerSource(sourceID, models.SourceProcess)
	go d.runLineReader(ctx, sourceID, stdout)
	go d.runLineReader(ctx, sourceID, stderr)
	go func() {
		_ = cmd.Wait()
		d.RemoveSource(sourceID)
	}()
	return nil
}

// AddPaneSource periodically captures a tmux pane's contents via
// `tmux capture-pane -p -t <paneTarget>` and feeds new lines through the
// same pipeline as file/process sources.
func (d *Detector) AddPaneSource(sourceID, paneTarget string) error {
	ctx, _ := d.registerSource(sourceID, models.SourceTerminal)
	go d.runPaneSource(ctx, sourceID, paneTarget)
	return nil
}

// RemoveSource tears down a source's reader and releases its debounce
// timer. It is safe to call on an already-removed or unknown source.
func (d *Detector) RemoveSource(sourceID string) {
	d.mu.Lock()
	if cancel, ok := d.sources[sourceID]; ok {
		cancel()
		delete(d.sources, sourceID)
	}
	if t, ok := d.debounceTimers[sourceID]; ok {
		t.Stop()
		delete(d.debounceTimers, sourceID)
	}
	delete(d.lastActivity, sourceID)
	delete(d.sourceKinds, sourceID)
	d.mu.Unlock()
}

func (d *Detector) registerSource(sourceID string, kind models.SourceKind) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	if old, ok := d.sources[sourceID]; ok {
		old()
	}
	d.sources[sourceID] = cancel
	d.sourceKinds[sourceID] = kind
	d.mu.Unlock()
	return ctx, cancel
}

func (d *Detector) runFileSource(ctx context.Context, sourceID, path string) {
	f, err := os.Open(path)
	if err != nil {
		log.Warn().Err(err).Str("source", sourceID).Str("path", path).Msg("detector: source unavailable")
		d.RemoveSource(sourceID)
		return
	}
	defer f.Close()

	for _, line := range tailLines(f, DefaultTailLines) {
		d.handleLine(sourceID, line, time.Now())
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Str("source", sourceID).Msg("detector: fsnotify unavailable, falling back to poll")
		d.pollFile(ctx, sourceID, f)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		log.Warn().Err(err).Str("source", sourceID).Str("path", path).Msg("detector: watch failed")
		d.RemoveSource(sourceID)
		return
	}

	reader := bufio.NewReader(f)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				log.Warn().Str("source", sourceID).Msg("detector: source file removed")
				d.RemoveSource(sourceID)
				return
			}
			for {
				line, err := reader.ReadString('\n')
				if line != "" {
					d.handleLine(sourceID, trimNewline(line), time.Now())
				}
				if err != nil {
					break
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("source", sourceID).Msg("detector: watcher error")
		}
	}
}

func (d *Detector) pollFile(ctx context.Context, sourceID string, f *os.File) {
	reader := bufio.NewReader(f)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				line, err := reader.ReadString('\n')
				if line != "" {
					d.handleLine(sourceID, trimNewline(line), time.Now())
				}
				if err != nil {
					break
				}
			}
		}
	}
}

func (d *Detector) runLineReader(ctx context.Context, sourceID string, r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for scanner.Scan() {
			d.handleLine(sourceID, scanner.Text(), time.Now())
		}
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
}

func (d *Detector) runPaneSource(ctx context.Context, sourceID, paneTarget string) {
	ticker := time.NewTicker(d.cfg.PanePollRate)
	defer ticker.Stop()
	var lastCapture string

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			out, err := exec.CommandContext(ctx, "tmux", "capture-pane", "-p", "-t", paneTarget).Output()
			if err != nil {
				log.Warn().Err(err).Str("source", sourceID).Str("pane", paneTarget).Msg("detector: pane capture failed, source likely closed")
				d.RemoveSource(sourceID)
				return
			}
			capture := string(out)
			if capture == lastCapture {
				continue
			}
			for _, line := range newLinesSince(lastCapture, capture) {
				d.handleLine(sourceID, line, time.Now())
			}
			lastCapture = capture
		}
	}
}

// handleLine implements the per-line pipeline: debounce, pattern scan,
// extraction, emission.
func (d *Detector) handleLine(sourceID, line string, now time.Time) {
	if len(line) > models.MaxRawLineLength {
		line = line[:models.MaxRawLineLength]
	}

	d.mu.Lock()
	last, exists := d.lastActivity[sourceID]
	if exists && now.Sub(last) < d.cfg.Debounce {
		d.resetDebounceTimerLocked(sourceID)
		d.mu.Unlock()
		return
	}
	d.lastActivity[sourceID] = now
	d.resetDebounceTimerLocked(sourceID)
	d.mu.Unlock()

	start := time.Now()
	d.processLine(sourceID, line, now)
	d.stats.record(time.Since(start))
}

// resetDebounceTimerLocked arms (or rearms) a timer that clears
// lastActivity[sourceID] after cfg.Debounce of silence, so the next line
// after a quiet period is treated as a fresh burst rather than being
// dropped by a stale last-activity timestamp. Caller must hold d.mu.
func (d *Detector) resetDebounceTimerLocked(sourceID string) {
	if t, ok := d.debounceTimers[sourceID]; ok {
		t.Stop()
	}
	d.debounceTimers[sourceID] = time.AfterFunc(d.cfg.Debounce, func() {
		d.mu.Lock()
		delete(d.lastActivity, sourceID)
		delete(d.debounceTimers, sourceID)
		d.mu.Unlock()
	})
}

func (d *Detector) processLine(sourceID, line string, ts time.Time) {
	d.stats.incTotal()

	d.mu.Lock()
	kind, ok := d.sourceKinds[sourceID]
	d.mu.Unlock()
	if !ok {
		kind = models.SourceAPI
	}

	patterns := d.registry.List()
	for _, p := range patterns {
		if !p.MatchesAny(line) {
			continue
		}

		input, hasInput := extractInt(p.Extraction.Input, line)
		output, hasOutput := extractInt(p.Extraction.Output, line)
		total, hasTotal := extractInt(p.Extraction.Total, line)

		var tokens int
		switch {
		case hasTotal:
			tokens = total
		case hasInput && hasOutput:
			tokens = input + output
		case hasInput:
			tokens = input
		default:
			continue // pattern gate matched but no extraction yielded tokens; keep scanning
		}
		if tokens <= 0 {
			continue
		}
		if !hasInput {
			input = tokens
		}

		meta := models.MetadataEnvelope{Extra: models.StringMap{}}
		if v, ok := extractString(p.Metadata.Provider, line); ok {
			meta.Provider = models.ProviderID(v)
		}
		if v, ok := extractString(p.Metadata.Model, line); ok {
			meta.Model = models.ModelID(v)
		}
		if v, ok := extractString(p.Metadata.Operation, line); ok {
			meta.Operation = models.OperationID(v)
		}
		if v, ok := extractString(p.Metadata.Agent, line); ok {
			meta.Agent = models.AgentID(v)
		}

		ev := models.DetectionEvent{
			Source:       kind,
			SourceID:     sourceID,
			RawLine:      line,
			InputTokens:  input,
			OutputTokens: output,
			TotalTokens:  tokens,
			PatternID:    p.ID,
			Confidence:   p.Confidence,
			Metadata:     meta,
			Timestamp:    ts,
		}

		d.ring.Push(ev)
		d.stats.incSuccess()
		if d.bus != nil {
			d.bus.Publish(bus.Event{Kind: bus.EventDetection, Detection: &ev})
		}
		return
	}

	d.stats.incFailed()
}

// RecentEvents returns a snapshot of the bounded detection-event cache.
func (d *Detector) RecentEvents() []models.DetectionEvent {
	return d.ring.Snapshot()
}

// Stats returns the running detector counters.
func (d *Detector) Stats() models.DetectorStats {
	return d.stats.snapshot()
}

func (s *statCounters) incTotal() {
	s.mu.Lock()
	s.totalDetections++
	s.mu.Unlock()
}

func (s *statCounters) incSuccess() {
	s.mu.Lock()
	s.successfulExtractions++
	s.mu.Unlock()
}

func (s *statCounters) incFailed() {
	s.mu.Lock()
	s.failedExtractions++
	s.mu.Unlock()
}

func (s *statCounters) record(d time.Duration) {
	s.mu.Lock()
	s.totalProcessingTime += d
	s.mu.Unlock()
}

func (s *statCounters) snapshot() models.DetectorStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var avg time.Duration
	if s.totalDetections > 0 {
		avg = s.totalProcessingTime / time.Duration(s.totalDetections)
	}
	return models.DetectorStats{
		TotalDetections:       s.totalDetections,
		SuccessfulExtractions: s.successfulExtractions,
		FailedExtractions:     s.failedExtractions,
		AvgProcessingTime:     avg,
	}
}

func extractInt(pattern, line string) (int, bool) {
	v, ok := extractString(pattern, line)
	if !ok {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

func extractString(pattern, line string) (string, bool) {
	if pattern == "" {
		return "", false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	names := re.SubexpNames()
	for i, name := range names {
		if name != "" && i < len(m) && m[i] != "" {
			return m[i], true
		}
	}
	if len(m) > 1 {
		return m[1], true
	}
	return "", false
}

func tailLines(f *os.File, n int) []string {
	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// newLinesSince returns the lines in next that weren't present in prev,
// assuming both are full pane captures and new content is appended.
func newLinesSince(prev, next string) []string {
	if prev == "" {
		return splitLines(next)
	}
	if len(next) <= len(prev) {
		return nil
	}
	return splitLines(next[len(prev):])
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
