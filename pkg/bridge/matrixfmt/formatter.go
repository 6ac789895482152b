// Copyright 2024-2026 Aiku AI

// Package matrixfmt converts Matrix HTML to a Signal body with style
// ranges. Signal has no rich text beyond the five span styles, so
// structural HTML collapses to plain text with newlines.
package matrixfmt

import (
	"html"
	"regexp"
	"strings"

	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-signal/pkg/signal"
)

var tagRe = regexp.MustCompile(`<(/?)([a-zA-Z0-9]+)[^>]*>`)

var tagStyles = map[string]signal.TextStyle{
	"strong": signal.StyleBold,
	"b":      signal.StyleBold,
	"em":     signal.StyleItalic,
	"i":      signal.StyleItalic,
	"del":    signal.StyleStrikethrough,
	"s":      signal.StyleStrikethrough,
	"strike": signal.StyleStrikethrough,
	"code":   signal.StyleMonospace,
	"pre":    signal.StyleMonospace,
}

// Parse converts Matrix message content to a Signal body and style
// ranges. Offsets are in runes.
func Parse(content *event.MessageEventContent) (string, []signal.StyleRange) {
	if content == nil {
		return "", nil
	}
	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return content.Body, nil
	}
	return ParseHTML(content.FormattedBody)
}

// ParseHTML converts a Matrix HTML fragment to a Signal body and style
// ranges.
func ParseHTML(htmlBody string) (string, []signal.StyleRange) {
	var body strings.Builder
	var styles []signal.StyleRange
	// Open style spans by tag name, holding the rune offset they started at.
	open := make(map[signal.TextStyle][]int)
	length := 0

	write := func(text string) {
		text = html.UnescapeString(text)
		body.WriteString(text)
		length += len([]rune(text))
	}
	newline := func() {
		if length > 0 && !strings.HasSuffix(body.String(), "\n") {
			body.WriteString("\n")
			length++
		}
	}

	rest := htmlBody
	for {
		loc := tagRe.FindStringSubmatchIndex(rest)
		if loc == nil {
			write(rest)
			break
		}
		write(rest[:loc[0]])
		closing := rest[loc[2]:loc[3]] == "/"
		name := strings.ToLower(rest[loc[4]:loc[5]])
		rest = rest[loc[1]:]

		if style, ok := tagStyles[name]; ok {
			if closing {
				if starts := open[style]; len(starts) > 0 {
					start := starts[len(starts)-1]
					open[style] = starts[:len(starts)-1]
					if length > start {
						styles = append(styles, signal.StyleRange{Start: start, Length: length - start, Style: style})
					}
				}
			} else {
				open[style] = append(open[style], length)
			}
			continue
		}

		switch name {
		case "br":
			body.WriteString("\n")
			length++
		case "p", "div", "blockquote", "li", "tr",
			"h1", "h2", "h3", "h4", "h5", "h6":
			if closing {
				newline()
			}
		}
		// Other tags (links, lists, spans) contribute their text only.
	}

	trimmed := strings.TrimRight(body.String(), "\n")
	trimmedLen := len([]rune(trimmed))
	kept := styles[:0]
	for _, style := range styles {
		if style.Start >= trimmedLen {
			continue
		}
		if style.Start+style.Length > trimmedLen {
			style.Length = trimmedLen - style.Start
		}
		kept = append(kept, style)
	}
	return trimmed, kept
}
