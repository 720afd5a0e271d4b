// Package extract pulls complete palette records out of a growing text buffer.
//
// Model output arrives token by token and mixes prose, markdown fences and
// array literals such as ["#0a1628", "#0d3b4a", ...]. Extract scans the
// accumulated buffer for closed literals, returns the ones that have the
// palette shape and hands back the unconsumed tail so the caller can append
// the next fragment and scan again. Feeding a text in arbitrary chunks yields
// exactly the records a single scan over the whole text would.
package extract

import (
	"encoding/json"
	"strings"

	"github.com/hupe1980/palettemesh/core"
	"github.com/kaptinlin/jsonrepair"
)

// Extract scans buffer left to right and returns every accepted palette
// together with the remainder to prepend to the next fragment.
//
// The remainder starts at the first candidate that has not closed yet, or at
// a trailing "[" that may still turn into a candidate. Text that can no longer
// be part of a candidate is dropped.
func Extract(buffer string) ([]core.Palette, string) {
	var records []core.Palette
	i := 0
	for {
		start, status := nextCandidate(buffer, i)
		switch status {
		case markerNone:
			return records, ""
		case markerPending:
			return records, buffer[start:]
		}

		end := closeCandidate(buffer, start)
		if end < 0 {
			return records, buffer[start:]
		}
		if p, ok := parseCandidate(buffer[start : end+1]); ok {
			records = append(records, p)
		}
		i = end + 1
	}
}

type markerStatus int

const (
	markerNone markerStatus = iota
	markerFound
	markerPending
)

// nextCandidate finds the next "[" at or after from that opens an array of
// quoted tokens: "[" followed by optional whitespace and a double quote. A
// "[" followed only by whitespace up to the end of buffer is pending.
func nextCandidate(buffer string, from int) (int, markerStatus) {
	for from < len(buffer) {
		idx := strings.IndexByte(buffer[from:], '[')
		if idx < 0 {
			return 0, markerNone
		}
		start := from + idx
		j := start + 1
		for j < len(buffer) && isSpace(buffer[j]) {
			j++
		}
		if j == len(buffer) {
			return start, markerPending
		}
		if buffer[j] == '"' {
			return start, markerFound
		}
		from = start + 1
	}
	return 0, markerNone
}

// closeCandidate runs the bracket-depth, quote-aware scan from the opening
// bracket at start. It returns the index of the bracket that brings depth back
// to zero, or -1 when the buffer ends first.
func closeCandidate(buffer string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for k := start; k < len(buffer); k++ {
		c := buffer[k]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return k
			}
		}
	}
	return -1
}

// parseCandidate decodes a closed literal and applies the shape check.
// Literals that are not valid JSON get one repair attempt; anything that still
// fails is noise and is dropped without error.
func parseCandidate(literal string) (core.Palette, bool) {
	var colors []string
	if err := json.Unmarshal([]byte(literal), &colors); err != nil {
		if _, ok := err.(*json.SyntaxError); !ok {
			return nil, false
		}
		fixed, rerr := jsonrepair.JSONRepair(literal)
		if rerr != nil {
			return nil, false
		}
		colors = nil
		if err := json.Unmarshal([]byte(fixed), &colors); err != nil {
			return nil, false
		}
	}
	p := core.Palette(colors)
	if p.Validate() != nil {
		return nil, false
	}
	return p, true
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
