package events

import (
	"net/url"
	"strings"
	"unicode"
)

// Event is one analytics event. Name and WebsiteID are expected; every other
// field is optional.
type Event struct {
	Name        string
	WebsiteID   string
	Referer     string
	BackReferer string
	Value       string
	Unit        string

	// UserIP, when set, is forwarded and signed with Token.
	UserIP string
	// Token overrides the emitter's token for this event.
	Token string
	// UserAgent overrides the emitter's user agent for this event.
	UserAgent string
	// URL overrides the emitter's backend origin for this event.
	URL string
}

// Query encodes the event as the backend's tracking query. Parameters keep a
// fixed order and empty ones are left out. Whitespace in the name is sent as
// "+".
func Query(ev Event) string {
	params := []struct {
		key   string
		value string
	}{
		{"event", strings.Map(spaceOut, ev.Name)},
		{"id", ev.WebsiteID},
		{"ref", ev.Referer},
		{"back_ref", ev.BackReferer},
		{"value", ev.Value},
		{"unit", ev.Unit},
	}

	var b strings.Builder
	for _, p := range params {
		if p.value == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('&')
		}
		b.WriteString(p.key)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}

// spaceOut folds every whitespace rune to a plain space, which QueryEscape
// writes as "+".
func spaceOut(r rune) rune {
	if unicode.IsSpace(r) {
		return ' '
	}
	return r
}
