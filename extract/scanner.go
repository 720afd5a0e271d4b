package extract

import "github.com/hupe1980/palettemesh/core"

// DefaultMaxPending bounds how much unconsumed text a Scanner keeps while
// waiting for a candidate to close.
const DefaultMaxPending = 64 * 1024

// Scanner holds the per-producer scan state: the unconsumed tail of
// everything fed so far. It is not safe for concurrent use; every producer
// owns its own Scanner.
type Scanner struct {
	pending string

	// MaxPending caps the retained tail. When an unclosed candidate grows
	// past it, its opening bracket is abandoned and scanning resumes right
	// after it. Zero means DefaultMaxPending; negative disables the cap.
	MaxPending int
}

// NewScanner returns a Scanner with the default pending cap.
func NewScanner() *Scanner { return &Scanner{} }

// Feed appends chunk to the pending tail and returns every palette that
// became complete.
func (s *Scanner) Feed(chunk string) []core.Palette {
	if chunk == "" && s.pending == "" {
		return nil
	}
	records, rest := Extract(s.pending + chunk)
	limit := s.limit()
	for limit > 0 && len(rest) > limit {
		// rest always starts at an unclosed (or pending) '['.
		more, tail := Extract(rest[1:])
		records = append(records, more...)
		rest = tail
	}
	s.pending = rest
	return records
}

// Remainder returns the text retained for the next Feed.
func (s *Scanner) Remainder() string { return s.pending }

// Reset drops any retained text.
func (s *Scanner) Reset() { s.pending = "" }

func (s *Scanner) limit() int {
	switch {
	case s.MaxPending == 0:
		return DefaultMaxPending
	case s.MaxPending < 0:
		return 0
	default:
		return s.MaxPending
	}
}
