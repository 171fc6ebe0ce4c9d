package splitter

import "unicode/utf8"

// StreamSplitter re-applies the boundary logic of Split to an incrementally
// growing buffer. A chunk is emitted only once its boundary is stable, i.e.
// tokens arriving later cannot move it; emitted chunks are never revised.
// Emitted chunks keep their separator runs, so the concatenation of every
// emitted chunk equals the streamed text exactly.
type StreamSplitter struct {
	mode     Mode
	cfg      Config
	fellBack bool
	buf      []byte
	start    int
	emitted  int
	finished bool
}

// NewStreamSplitter validates cfg and resolves the effective mode. Markdown
// and Structured fall back to whole-text, same as Split.
func NewStreamSplitter(mode Mode, cfg Config) (*StreamSplitter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &StreamSplitter{mode: mode, cfg: cfg}
	switch mode {
	case ModeSimple, ModeSimpleImproved, ModeNone:
	default:
		s.mode = ModeNone
		s.fellBack = true
	}
	return s, nil
}

// Mode reports the effective mode after any fallback.
func (s *StreamSplitter) Mode() Mode { return s.mode }

// FellBack reports whether the requested mode had no streaming policy.
func (s *StreamSplitter) FellBack() bool { return s.fellBack }

// Feed appends a token to the buffer and returns any chunks whose boundary
// became stable. Under whole-text mode nothing is emitted until Finish.
func (s *StreamSplitter) Feed(token string) []string {
	if s.finished {
		return nil
	}
	s.buf = append(s.buf, token...)
	if s.mode == ModeNone {
		return nil
	}
	return s.drainStable()
}

// Finish flushes the remaining buffered text as the final chunk, even when
// it falls below MinChunkLen. A fully empty stream still yields one empty
// chunk so callers always have something to act on.
func (s *StreamSplitter) Finish() []string {
	if s.finished {
		return nil
	}
	s.finished = true

	var out []string
	if s.mode != ModeNone {
		out = s.drainStable()
	}
	if s.start < len(s.buf) {
		out = append(out, string(s.buf[s.start:]))
		s.start = len(s.buf)
		s.emitted++
	} else if s.emitted == 0 {
		out = append(out, "")
		s.emitted++
	}
	return out
}

// drainStable emits every chunk whose cut cannot move. A cut is final once
// the buffered tail has grown past MaxChunkLen runes: the furthest boundary
// inside the limit can no longer be outpacked, and an over-length run is cut
// at the first boundary after the limit as soon as one exists.
func (s *StreamSplitter) drainStable() []string {
	var out []string
	for {
		text := string(s.buf)
		rest := text[s.start:]
		if utf8.RuneCountInString(rest) <= s.cfg.MaxChunkLen {
			break
		}

		bounds := boundaries(rest)
		var protected []protectedRange
		if s.mode == ModeSimpleImproved {
			protected = protectedRanges(rest)
		}
		cut, ok := pickBoundary(rest, bounds, protected, 0, s.cfg.MaxChunkLen)
		if !ok && protected != nil {
			cut, ok = pickBoundary(rest, bounds, nil, 0, s.cfg.MaxChunkLen)
		}
		if !ok {
			// Over-length run with no boundary seen yet: wait for more
			// tokens or the end of the stream.
			break
		}
		out = append(out, rest[:cut.next])
		s.start += cut.next
	}
	s.emitted += len(out)
	return out
}
