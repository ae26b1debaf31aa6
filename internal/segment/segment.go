// Package segment splits input text into synthesizable units under a
// maximum length, preferring sentence and clause boundaries over hard cuts.
package segment

import (
	"strings"
	"unicode"
)

// Unit is one contiguous slice of the input text, sized for a single
// model invocation. Index defines concatenation order. Forced marks a
// unit that may exceed the length limit: either a hard cut inside a
// span with no usable boundary, or a short tail absorbed into its
// predecessor.
type Unit struct {
	Index  int
	Text   string
	Forced bool
}

// Sentence terminators close a span at the strongest boundary; clause
// delimiters are the fallback when a sentence alone exceeds the limit.
const (
	primaryDelimiters   = ".!?\n。！？；"
	secondaryDelimiters = ",、，：:;"
)

// hardSplitLookback bounds how far back from the cut point a space is
// preferred over a mid-word cut.
const hardSplitLookback = 50

// minUnitLength is the smallest worthwhile tail unit; anything shorter
// is merged into the previous unit instead of being synthesized alone.
const minUnitLength = 20

// Split breaks text into ordered units of at most maxLen runes.
// Whitespace is normalized first; empty or blank input yields no units.
// Concatenating the units in index order reproduces the normalized text
// up to boundary whitespace.
func Split(text string, maxLen int) []Unit {
	norm := normalize(text)
	if norm == "" || maxLen <= 0 {
		return nil
	}
	if runeLen(norm) <= maxLen {
		return []Unit{{Index: 0, Text: norm}}
	}

	type span struct {
		text   string
		forced bool
	}
	var spans []span
	for _, s := range splitAt(norm, primaryDelimiters) {
		if runeLen(s) <= maxLen {
			spans = append(spans, span{text: s})
			continue
		}
		for _, sub := range splitAt(s, secondaryDelimiters) {
			if runeLen(sub) <= maxLen {
				spans = append(spans, span{text: sub})
				continue
			}
			for _, piece := range hardSplit(sub, maxLen) {
				spans = append(spans, span{text: piece, forced: true})
			}
		}
	}

	// Greedily pack spans until the next one would exceed the limit.
	var units []Unit
	var cur strings.Builder
	curForced := false
	flush := func() {
		text := strings.TrimSpace(cur.String())
		if text != "" {
			units = append(units, Unit{Index: len(units), Text: text, Forced: curForced})
		}
		cur.Reset()
		curForced = false
	}
	for _, s := range spans {
		if cur.Len() > 0 && runeLen(cur.String())+runeLen(s.text) > maxLen {
			flush()
		}
		if cur.Len() == 0 {
			s.text = strings.TrimLeft(s.text, " ")
		}
		cur.WriteString(s.text)
		curForced = curForced || s.forced
	}
	flush()

	if n := len(units); n > 1 && runeLen(units[n-1].Text) < minUnitLength {
		merged := units[n-2]
		merged.Text += " " + units[n-1].Text
		merged.Forced = merged.Forced || units[n-1].Forced || runeLen(merged.Text) > maxLen
		units[n-2] = merged
		units = units[:n-1]
	}
	return units
}

func runeLen(s string) int {
	return len([]rune(s))
}

// normalize collapses runs of spaces and newlines and trims the ends,
// keeping single newlines as segmentation boundaries.
func normalize(text string) string {
	out := make([]rune, 0, len(text))
	for _, r := range text {
		switch {
		case r == '\n' || r == '\r':
			// A newline absorbs any pending space and collapses runs.
			for len(out) > 0 && out[len(out)-1] == ' ' {
				out = out[:len(out)-1]
			}
			if len(out) > 0 && out[len(out)-1] != '\n' {
				out = append(out, '\n')
			}
		case unicode.IsSpace(r):
			if len(out) > 0 && out[len(out)-1] != ' ' && out[len(out)-1] != '\n' {
				out = append(out, ' ')
			}
		default:
			out = append(out, r)
		}
	}
	return strings.TrimSpace(string(out))
}

// splitAt cuts text after every delimiter rune, keeping the delimiter
// attached to the preceding span. Runs of delimiters stay together.
func splitAt(text, delimiters string) []string {
	var spans []string
	var cur strings.Builder
	closing := false
	for _, r := range text {
		isDelim := strings.ContainsRune(delimiters, r)
		if closing && !isDelim {
			spans = append(spans, cur.String())
			cur.Reset()
		}
		cur.WriteRune(r)
		closing = isDelim
	}
	if cur.Len() > 0 {
		spans = append(spans, cur.String())
	}
	return spans
}

// hardSplit cuts a boundary-free span into maxLen windows, moving each
// cut back to the nearest space when one is close enough.
func hardSplit(text string, maxLen int) []string {
	var pieces []string
	remaining := []rune(strings.TrimSpace(text))
	for len(remaining) > maxLen {
		cut := maxLen
		for i := maxLen - 1; i > maxLen-hardSplitLookback && i > 0; i-- {
			if remaining[i] == ' ' {
				cut = i
				break
			}
		}
		piece := strings.TrimSpace(string(remaining[:cut]))
		if piece != "" {
			pieces = append(pieces, piece)
		}
		remaining = []rune(strings.TrimSpace(string(remaining[cut:])))
	}
	if len(remaining) > 0 {
		pieces = append(pieces, string(remaining))
	}
	return pieces
}
