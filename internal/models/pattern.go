package models

import (
	"regexp"
	"time"
)

// SourceKind identifies where a DetectionEvent originated.
type SourceKind string

const (
	SourceTerminal SourceKind = "terminal"
	SourceFile     SourceKind = "file"
	SourceProcess  SourceKind = "process"
	SourceAPI      SourceKind = "api"
)

// TokenExtraction holds the per-field regexes used to pull token counts out
// of a matched line; each value comes from the regex's first named (or
// first) capture group. An empty regex means the field is not extracted by
// this pattern.
type TokenExtraction struct {
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
	Total  string `json:"total,omitempty"`
	Cost   string `json:"cost,omitempty"`
}

// MetadataExtraction holds the per-field regexes used to pull attribution
// fields out of a matched line, in the same way as TokenExtraction.
type MetadataExtraction struct {
	Model     string `json:"model,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Operation string `json:"operation,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// DetectionPattern is a named, ordered bundle of gate and extraction
// regexes. Patterns are immutable once added to the registry; the first
// pattern whose gate matches wins.
type DetectionPattern struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Gates      []*regexp.Regexp   `json:"-"`
	GateExprs  []string           `json:"gates"`
	Extraction TokenExtraction    `json:"extraction"`
	Metadata   MetadataExtraction `json:"metadata"`
	Confidence float64            `json:"confidence"`
}

// MatchesAny reports whether any of the pattern's gate regexes match line.
func (p *DetectionPattern) MatchesAny(line string) bool {
	for _, g := range p.Gates {
		if g.MatchString(line) {
			return true
		}
	}
	return false
}

// DetectionEvent is the result of one pattern hit.
type DetectionEvent struct {
	Source       SourceKind  `json:"source"`
	SourceID     string      `json:"sourceId"`
	RawLine      string      `json:"rawLine"`
	InputTokens  int         `json:"inputTokens"`
	OutputTokens int         `json:"outputTokens"`
	TotalTokens  int         `json:"totalTokens"`
	Cost         float64     `json:"cost,omitempty"`
	PatternID    string      `json:"patternId"`
	Confidence   float64     `json:"confidence"`
	Metadata     MetadataEnvelope `json:"metadata"`
	Timestamp    time.Time   `json:"timestamp"`
}

// MaxRawLineLength bounds DetectionEvent.RawLine so a pathologically long
// line never inflates the ring buffer or bus payloads.
const MaxRawLineLength = 2048

// DetectorStats are the running counters exposed via getStats().
type DetectorStats struct {
	TotalDetections      int64         `json:"totalDetections"`
	SuccessfulExtractions int64        `json:"successfulExtractions"`
	FailedExtractions    int64         `json:"failedExtractions"`
	AvgProcessingTime    time.Duration `json:"avgProcessingTime"`
}
