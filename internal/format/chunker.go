// Package format turns a model answer into transport-sized message segments.
package format

import (
	"fmt"
	"strings"
)

// TransportLimit is the hard per-message size Telegram accepts.
const TransportLimit = 4096

// pageHeaderRoom is reserved in every segment when the text is known to need
// more than one, so the "(i/N) " header never pushes a segment over the limit.
const pageHeaderRoom = 16

// Chunk splits text into segments of at most TransportLimit-reserve bytes.
// Splits land on line boundaries where possible and fall inside an overlong
// single line only as a last resort. Multi-segment output carries a "(i/N)"
// page header on every segment.
func Chunk(text string, reserve int) []string {
	limit := TransportLimit - reserve
	if limit <= 0 {
		limit = TransportLimit
	}
	if len(text) <= limit {
		return []string{text}
	}

	body := limit - pageHeaderRoom
	if body < 1 {
		body = 1
	}
	parts := splitLines(text, body)
	out := make([]string, 0, len(parts))
	for i, p := range parts {
		out = append(out, fmt.Sprintf("(%d/%d) %s", i+1, len(parts), p))
	}
	return out
}

// splitLines greedily packs whole lines into segments of at most limit
// bytes, hard-splitting a line only when it alone exceeds the limit.
func splitLines(text string, limit int) []string {
	var segments []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			segments = append(segments, cur.String())
			cur.Reset()
		}
	}

	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		if cur.Len()+len(line) > limit {
			flush()
		}
		for len(line) > limit {
			cut := limit
			// Avoid splitting a UTF-8 sequence mid-rune.
			for cut > 0 && line[cut]&0xC0 == 0x80 {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
			segments = append(segments, line[:cut])
			line = line[cut:]
		}
		cur.WriteString(line)
	}
	flush()

	if len(segments) == 0 {
		segments = []string{""}
	}
	return segments
}

// Options controls how an answer is rendered into sendable segments.
type Options struct {
	// Reserve leaves room in every segment for transport overhead the
	// caller will add (formatting entities, attribution suffixes).
	Reserve int
	// Collapse wraps each segment body in an expandable quote block so
	// long answers arrive folded.
	Collapse bool
	// Footer is appended to the final segment only and is never wrapped
	// by Collapse.
	Footer string
}

// Render chunks text and applies collapse wrapping and the trailing footer.
// Bodies that already contain a quote marker are left unwrapped to avoid
// nesting blockquotes.
func Render(text string, opts Options) []string {
	reserve := opts.Reserve
	if opts.Collapse {
		reserve += len("<blockquote expandable></blockquote>")
	}
	if opts.Footer != "" {
		reserve += len(opts.Footer) + 1
	}

	segments := Chunk(text, reserve)
	out := make([]string, len(segments))
	for i, seg := range segments {
		if opts.Collapse && !HasQuoteMarker(seg) {
			seg = "<blockquote expandable>" + seg + "</blockquote>"
		}
		if opts.Footer != "" && i == len(segments)-1 {
			seg += "\n" + opts.Footer
		}
		out[i] = seg
	}
	return out
}

// HasQuoteMarker reports whether the text already carries quoting, either
// a blockquote tag or a line starting with ">". Callers that HTML-escape
// before Render must check the raw text; escaping turns ">" into "&gt;".
func HasQuoteMarker(s string) bool {
	if strings.Contains(s, "<blockquote") {
		return true
	}
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), ">") {
			return true
		}
	}
	return false
}
