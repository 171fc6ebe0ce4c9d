package splitter

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Mode selects the chunking policy applied to a generated response.
type Mode string

const (
	ModeNone           Mode = "none"
	ModeSimple         Mode = "simple"
	ModeSimpleImproved Mode = "simple_improved"
	ModeMarkdown       Mode = "markdown"
	ModeStructured     Mode = "structured"
)

// ParseMode normalizes a raw mode string into a known Mode.
func ParseMode(raw string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "none":
		return ModeNone, true
	case "simple":
		return ModeSimple, true
	case "simple_improved", "simple-improved":
		return ModeSimpleImproved, true
	case "markdown":
		return ModeMarkdown, true
	case "structured":
		return ModeStructured, true
	default:
		return "", false
	}
}

// ErrBadConfig marks split configuration that cannot produce a valid plan.
var ErrBadConfig = errors.New("invalid split config")

// Config carries the length thresholds for boundary selection.
type Config struct {
	MaxChunkLen int
	MinChunkLen int
}

func (c Config) Validate() error {
	if c.MaxChunkLen <= 0 {
		return fmt.Errorf("%w: max_chunk_len must be positive, got %d", ErrBadConfig, c.MaxChunkLen)
	}
	if c.MinChunkLen < 0 {
		return fmt.Errorf("%w: min_chunk_len must be non-negative, got %d", ErrBadConfig, c.MinChunkLen)
	}
	if c.MinChunkLen > c.MaxChunkLen {
		return fmt.Errorf("%w: min_chunk_len %d exceeds max_chunk_len %d", ErrBadConfig, c.MinChunkLen, c.MaxChunkLen)
	}
	return nil
}

// Result is the outcome of one split pass. FellBack reports that the
// requested mode has no defined policy yet and whole-text behavior was used.
type Result struct {
	Chunks   []string
	Mode     Mode
	FellBack bool
}

// Split chunks a complete response text under the given mode. Markdown and
// Structured have no splitting heuristic yet and fall back to whole-text,
// reported via FellBack rather than an error. Content is never truncated or dropped:
// an unbreakable run longer than MaxChunkLen ships as an over-length chunk.
func Split(text string, mode Mode, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}

	switch mode {
	case ModeNone:
		return Result{Chunks: []string{text}, Mode: ModeNone}, nil
	case ModeSimple:
		return Result{Chunks: splitByBoundaries(text, cfg, false), Mode: ModeSimple}, nil
	case ModeSimpleImproved:
		return Result{Chunks: splitByBoundaries(text, cfg, true), Mode: ModeSimpleImproved}, nil
	case ModeMarkdown, ModeStructured:
		// These modes have no splitting heuristic yet. Deliver the whole
		// text instead of guessing one.
		return Result{Chunks: []string{text}, Mode: mode, FellBack: true}, nil
	default:
		return Result{Chunks: []string{text}, Mode: mode, FellBack: true}, nil
	}
}

// boundary is a legal cut position: the chunk ends at end, the next chunk
// resumes at next (the separator run between them is consumed).
type boundary struct {
	end  int
	next int
}

// span is one selected chunk region over the source text.
type span struct {
	start int
	end   int
	next  int
}

// boundaries lists sentence and paragraph boundaries in text, ordered by
// position. A sentence boundary is terminal punctuation followed by
// whitespace; a paragraph boundary is a blank line. End-of-text is not a
// boundary: the remainder is always flushed by the caller.
func boundaries(text string) []boundary {
	var out []boundary
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c == '\n' && i+1 < len(text) && nextNonSpaceIsNewline(text, i+1) {
			end := i
			next := i
			for next < len(text) && isSpaceByte(text[next]) {
				next++
			}
			out = append(out, boundary{end: end, next: next})
			i = next - 1
			continue
		}
		if c == '.' || c == '!' || c == '?' {
			j := i + 1
			for j < len(text) && (text[j] == '"' || text[j] == '\'' || text[j] == ')') {
				j++
			}
			if j < len(text) && isSpaceByte(text[j]) {
				next := j
				for next < len(text) && isSpaceByte(text[next]) {
					next++
				}
				out = append(out, boundary{end: j, next: next})
				i = next - 1
			}
		}
	}
	return out
}

// nextNonSpaceIsNewline reports whether the run starting at i contains a
// second newline before any non-space byte, i.e. the '\n' at i-1 opens a
// blank line.
func nextNonSpaceIsNewline(text string, i int) bool {
	for ; i < len(text); i++ {
		switch text[i] {
		case '\n':
			return true
		case ' ', '\t', '\r':
		default:
			return false
		}
	}
	return false
}

func isSpaceByte(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

var (
	fencedCodePattern = regexp.MustCompile("(?s)```.*?(```|$)")
	inlineCodePattern = regexp.MustCompile("`[^`\n]*`")
	boldSpanPattern   = regexp.MustCompile(`\*\*[^*]+\*\*`)
)

type protectedRange struct {
	start int
	end   int
}

// protectedRanges marks regions a chunk boundary must not fall inside:
// fenced code blocks (an unterminated fence protects to end of text),
// inline code spans, and bold spans.
func protectedRanges(text string) []protectedRange {
	var out []protectedRange
	for _, pat := range []*regexp.Regexp{fencedCodePattern, inlineCodePattern, boldSpanPattern} {
		for _, loc := range pat.FindAllStringIndex(text, -1) {
			out = append(out, protectedRange{start: loc[0], end: loc[1]})
		}
	}
	return out
}

func insideProtected(ranges []protectedRange, pos int) bool {
	for _, r := range ranges {
		if pos > r.start && pos < r.end {
			return true
		}
	}
	return false
}

// splitByBoundaries implements the Simple policy; improved additionally
// keeps boundaries out of code/formatting spans and merges a trailing
// fragment shorter than MinChunkLen into its predecessor.
func splitByBoundaries(text string, cfg Config, improved bool) []string {
	if text == "" {
		return []string{""}
	}

	bounds := boundaries(text)
	var protected []protectedRange
	if improved {
		protected = protectedRanges(text)
	}

	spans := selectSpans(text, bounds, protected, cfg.MaxChunkLen)
	if improved {
		spans = mergeTrailingShort(text, spans, cfg.MinChunkLen)
	}

	chunks := make([]string, 0, len(spans))
	for _, sp := range spans {
		chunks = append(chunks, chunkText(text, sp))
	}
	return chunks
}

func selectSpans(text string, bounds []boundary, protected []protectedRange, maxLen int) []span {
	var spans []span
	start := 0
	for start < len(text) {
		rest := text[start:]
		if utf8.RuneCountInString(rest) <= maxLen {
			spans = append(spans, span{start: start, end: len(text), next: len(text)})
			break
		}

		cut, ok := pickBoundary(text, bounds, protected, start, maxLen)
		if !ok && protected != nil {
			// No legal boundary outside formatting spans: back off to the
			// plain Simple rule for this segment.
			cut, ok = pickBoundary(text, bounds, nil, start, maxLen)
		}
		if !ok {
			spans = append(spans, span{start: start, end: len(text), next: len(text)})
			break
		}
		spans = append(spans, span{start: start, end: cut.end, next: cut.next})
		start = cut.next
	}
	return spans
}

// pickBoundary returns the boundary nearest to but not exceeding maxLen
// runes from start; when none fits, the first boundary past the limit is
// used so an unbreakable run becomes one over-length chunk.
func pickBoundary(text string, bounds []boundary, protected []protectedRange, start, maxLen int) (boundary, bool) {
	best := boundary{}
	found := false
	firstAfter := boundary{}
	foundAfter := false

	for _, b := range bounds {
		if b.end <= start {
			continue
		}
		if protected != nil && insideProtected(protected, b.end) {
			continue
		}
		if utf8.RuneCountInString(text[start:b.end]) <= maxLen {
			best = b
			found = true
			continue
		}
		if !foundAfter {
			firstAfter = b
			foundAfter = true
		}
		break
	}
	if found {
		return best, true
	}
	if foundAfter {
		return firstAfter, true
	}
	return boundary{}, false
}

func mergeTrailingShort(text string, spans []span, minLen int) []span {
	for len(spans) >= 2 {
		last := spans[len(spans)-1]
		if utf8.RuneCountInString(chunkText(text, last)) >= minLen {
			break
		}
		prev := spans[len(spans)-2]
		prev.end = last.end
		prev.next = last.next
		spans = append(spans[:len(spans)-2], prev)
	}
	return spans
}

// chunkText trims the separator residue around a span, but never trims a
// non-empty span into nothing.
func chunkText(text string, sp span) string {
	raw := text[sp.start:sp.end]
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return raw
	}
	return trimmed
}
