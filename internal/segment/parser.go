package segment

import (
	"strconv"
	"strings"
	"unicode"
)

// DefaultVolume is the playback volume every task starts at.
const DefaultVolume = 100

// Segment is one span of spoken text with the settings in effect at its start.
type Segment struct {
	Text   string
	Voice  string
	Speed  float64
	Volume int
}

type tokenKind int

const (
	tokenText tokenKind = iota
	tokenDirective
)

// token is one lexed unit; directives keep their raw source so unrecognized
// keys can fall back to literal text.
type token struct {
	kind  tokenKind
	raw   string
	key   string
	value string
}

// Parse splits text into ordered segments, applying inline {key:value}
// directives. voice and speed seed the cascade; volume starts at
// DefaultVolume. Directives set state for everything to their right and are
// removed from the spoken text. Malformed braces and unknown keys read as
// literal text. Recognized keys with unusable values are consumed without
// changing state.
func Parse(text, voice string, speed float64) []Segment {
	volume := DefaultVolume
	var segs []Segment
	var buf strings.Builder
	trimNext := false

	flush := func() {
		spoken := buf.String()
		buf.Reset()
		if trimNext {
			spoken = strings.TrimLeftFunc(spoken, unicode.IsSpace)
		}
		trimNext = false
		if spoken == "" {
			return
		}
		segs = append(segs, Segment{Text: spoken, Voice: voice, Speed: speed, Volume: volume})
	}

	for _, tok := range lex(text) {
		if tok.kind == tokenText {
			buf.WriteString(tok.raw)
			continue
		}
		key := strings.ToLower(tok.key)
		if key != "voice" && key != "speed" && key != "volume" {
			buf.WriteString(tok.raw)
			continue
		}
		flush()
		trimNext = true
		value := strings.TrimSpace(tok.value)
		switch key {
		case "voice":
			if value != "" {
				voice = value
			}
		case "speed":
			if f, err := strconv.ParseFloat(value, 64); err == nil && f > 0 {
				speed = f
			}
		case "volume":
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				volume = n
			}
		}
	}
	flush()
	return segs
}

// lex scans text into literal spans and {key:value} directive tokens. The
// directive grammar is an alphabetic key, a colon, and a non-empty value
// running to the first closing brace.
func lex(text string) []token {
	var toks []token
	var buf strings.Builder
	i := 0
	for i < len(text) {
		if text[i] != '{' {
			buf.WriteByte(text[i])
			i++
			continue
		}
		key, value, end, ok := scanDirective(text, i)
		if !ok {
			buf.WriteByte(text[i])
			i++
			continue
		}
		if buf.Len() > 0 {
			toks = append(toks, token{kind: tokenText, raw: buf.String()})
			buf.Reset()
		}
		toks = append(toks, token{kind: tokenDirective, raw: text[i:end], key: key, value: value})
		i = end
	}
	if buf.Len() > 0 {
		toks = append(toks, token{kind: tokenText, raw: buf.String()})
	}
	return toks
}

func scanDirective(text string, start int) (key, value string, end int, ok bool) {
	i := start + 1
	keyStart := i
	for i < len(text) && isAlpha(text[i]) {
		i++
	}
	if i == keyStart || i >= len(text) || text[i] != ':' {
		return "", "", 0, false
	}
	key = text[keyStart:i]
	i++
	valueStart := i
	for i < len(text) && text[i] != '}' {
		i++
	}
	if i >= len(text) || i == valueStart {
		return "", "", 0, false
	}
	return key, text[valueStart:i], i + 1, true
}

func isAlpha(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}
