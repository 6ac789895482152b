// Copyright 2024-2026 Aiku AI

// Package signalfmt converts Signal message bodies with style ranges and
// mentions into Matrix HTML.
package signalfmt

import (
	"html"
	"sort"
	"strings"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-signal/pkg/signal"
)

// ParsedMessage holds the result of converting a Signal body to Matrix
// event content fields.
type ParsedMessage struct {
	Body          string
	Format        event.Format
	FormattedBody string
}

// MentionResolver maps a mentioned Signal account to its Matrix ghost and
// display name. Returning an empty MXID renders the mention as plain text.
type MentionResolver func(acct uuid.UUID) (mxid id.UserID, name string)

var styleTags = map[signal.TextStyle][2]string{
	signal.StyleBold:          {"<strong>", "</strong>"},
	signal.StyleItalic:        {"<em>", "</em>"},
	signal.StyleStrikethrough: {"<del>", "</del>"},
	signal.StyleMonospace:     {"<code>", "</code>"},
	signal.StyleSpoiler:       {`<span data-mx-spoiler>`, "</span>"},
}

// Parse converts a Signal body with style ranges and mentions to Matrix
// message content. Ranges are rune offsets; out-of-bounds ranges are
// clamped, unknown styles ignored.
func Parse(body string, styles []signal.StyleRange, mentions []signal.Mention, resolve MentionResolver) *ParsedMessage {
	runes := []rune(body)
	if len(styles) == 0 && len(mentions) == 0 {
		return &ParsedMessage{Body: body}
	}

	type tagEdge struct {
		pos   int
		order int
		text  string
	}
	var opens, closes []tagEdge
	for i, style := range styles {
		tags, ok := styleTags[style.Style]
		if !ok || style.Length <= 0 {
			continue
		}
		start, end := clampRange(style.Start, style.Length, len(runes))
		if start >= end {
			continue
		}
		opens = append(opens, tagEdge{pos: start, order: i, text: tags[0]})
		closes = append(closes, tagEdge{pos: end, order: -i, text: tags[1]})
	}
	// Earlier-opened tags close later so the output nests.
	sort.SliceStable(opens, func(i, j int) bool { return opens[i].pos < opens[j].pos })
	sort.SliceStable(closes, func(i, j int) bool {
		if closes[i].pos != closes[j].pos {
			return closes[i].pos < closes[j].pos
		}
		return closes[i].order > closes[j].order
	})

	mentionAt := make(map[int]signal.Mention, len(mentions))
	mentionSkip := make(map[int]bool)
	for _, mention := range mentions {
		start, end := clampRange(mention.Start, mention.Length, len(runes))
		if start >= end {
			continue
		}
		mentionAt[start] = mention
		for p := start; p < end; p++ {
			mentionSkip[p] = true
		}
	}

	var plain, formatted strings.Builder
	oi, ci := 0, 0
	for pos := 0; pos <= len(runes); pos++ {
		for ci < len(closes) && closes[ci].pos == pos {
			formatted.WriteString(closes[ci].text)
			ci++
		}
		for oi < len(opens) && opens[oi].pos == pos {
			formatted.WriteString(opens[oi].text)
			oi++
		}
		if pos == len(runes) {
			break
		}
		if mention, ok := mentionAt[pos]; ok {
			mxid, name := resolveMention(mention, resolve)
			plain.WriteString("@" + name)
			if mxid != "" {
				formatted.WriteString(`<a href="` + mxid.URI().MatrixToURL() + `">@` + html.EscapeString(name) + `</a>`)
			} else {
				formatted.WriteString("@" + html.EscapeString(name))
			}
		}
		if mentionSkip[pos] {
			continue
		}
		r := runes[pos]
		plain.WriteRune(r)
		switch r {
		case '<':
			formatted.WriteString("&lt;")
		case '>':
			formatted.WriteString("&gt;")
		case '&':
			formatted.WriteString("&amp;")
		case '\n':
			formatted.WriteString("<br/>")
		default:
			formatted.WriteRune(r)
		}
	}

	return &ParsedMessage{
		Body:          plain.String(),
		Format:        event.FormatHTML,
		FormattedBody: formatted.String(),
	}
}

func resolveMention(mention signal.Mention, resolve MentionResolver) (id.UserID, string) {
	if resolve != nil {
		if mxid, name := resolve(mention.UUID); name != "" || mxid != "" {
			if name == "" {
				name = mention.UUID.String()
			}
			return mxid, name
		}
	}
	return "", mention.UUID.String()
}

func clampRange(start, length, max int) (int, int) {
	if start < 0 {
		length += start
		start = 0
	}
	end := start + length
	if end > max {
		end = max
	}
	return start, end
}
