// Package detector tails text sources — terminal multiplexer panes,
// append-only log files, and process output — and turns matching lines
// into models.DetectionEvents.
package detector

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/tokenwatch/monitor/internal/models"
)

// Registry holds an ordered set of DetectionPatterns (C1). Patterns are
// immutable once added; the first pattern whose gate matches a line wins.
// Writers are serialized against readers with a single RWMutex; readers
// snapshot the list so a concurrent Add/Remove never blocks a scan already
// in progress.
type Registry struct {
	mu       sync.RWMutex
	patterns []models.DetectionPattern
}

// NewRegistry returns a Registry pre-populated with the built-in
// detection patterns for common provider usage-line formats.
func NewRegistry() *Registry {
	r := &Registry{}
	for _, p := range builtinPatterns() {
		_ = r.Add(p)
	}
	return r
}

// Add compiles and appends pattern to the registry. An id collision is
// rejected.
func (r *Registry) Add(p models.DetectionPattern) error {
	compiled, err := compileGates(p.GateExprs)
	if err != nil {
		return fmt.Errorf("detector: compiling pattern %q: %w", p.ID, err)
	}
	p.Gates = compiled

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.patterns {
		if existing.ID == p.ID {
			return fmt.Errorf("detector: pattern id %q already registered", p.ID)
		}
	}
	r.patterns = append(r.patterns, p)
	return nil
}

// Remove deletes the pattern with the given id, reporting whether one was
// found.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, p := range r.patterns {
		if p.ID == id {
			r.patterns = append(r.patterns[:i], r.patterns[i+1:]...)
			return true
		}
	}
	return false
}

// List returns a snapshot copy of the registered patterns, in match order.
func (r *Registry) List() []models.DetectionPattern {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.DetectionPattern, len(r.patterns))
	copy(out, r.patterns)
	return out
}

func compileGates(exprs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

// builtinPatterns mirrors the provider-usage line shapes the accounting
// pipeline is expected to see out of the box: "<provider> usage: tokens: N
// input: N output: N model: X" style lines emitted by agent wrappers, plus
// a looser fallback that only requires an explicit token count.
func builtinPatterns() []models.DetectionPattern {
	return []models.DetectionPattern{
		{
			ID:   "provider-usage-line",
			Name: "provider usage line with explicit input/output",
			GateExprs: []string{
				`(?i)usage:\s*tokens:\s*\d+`,
			},
			Extraction: models.TokenExtraction{
				Total:  `(?i)tokens:\s*(?P<total>\d+)`,
				Input:  `(?i)input:\s*(?P<input>\d+)`,
				Output: `(?i)output:\s*(?P<output>\d+)`,
			},
			Metadata: models.MetadataExtraction{
				Provider: `^(?i)(?P<provider>\w+)\s+usage:`,
				Model:    `(?i)model:\s*(?P<model>[\w.\-:/]+)`,
			},
			Confidence: 0.95,
		},
		{
			ID:   "api-response-tokens",
			Name: "generic API response token summary",
			GateExprs: []string{
				`(?i)prompt_tokens|completion_tokens|input_tokens|output_tokens`,
			},
			Extraction: models.TokenExtraction{
				Input:  `(?i)(?:prompt|input)_tokens["':\s]+(?P<input>\d+)`,
				Output: `(?i)(?:completion|output)_tokens["':\s]+(?P<output>\d+)`,
			},
			Metadata: models.MetadataExtraction{
				Model: `(?i)"model"\s*:\s*"(?P<model>[\w.\-:/]+)"`,
			},
			Confidence: 0.8,
		},
	}
}
