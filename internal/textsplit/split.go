package textsplit

import (
	"strings"
	"unicode/utf8"
)

// Sections splits text into ordered pieces of at most maxChars characters,
// breaking at paragraph boundaries first and at sentence boundaries inside
// oversized paragraphs. A lone sentence longer than the budget is returned
// whole as its own section rather than cut mid-sentence.
func Sections(text string, maxChars int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return []string{text}
	}

	var sections []string
	var open []string
	openLen := 0

	flush := func() {
		if len(open) > 0 {
			sections = append(sections, strings.Join(open, "\n\n"))
			open = nil
			openLen = 0
		}
	}

	for _, para := range paragraphs(text) {
		n := utf8.RuneCountInString(para)
		if n > maxChars {
			flush()
			sections = append(sections, packSentences(para, maxChars)...)
			continue
		}
		if openLen > 0 && openLen+2+n > maxChars {
			flush()
		}
		open = append(open, para)
		openLen += n
		if len(open) > 1 {
			openLen += 2
		}
	}
	flush()
	return sections
}

// paragraphs groups non-blank lines; blank lines delimit.
func paragraphs(text string) []string {
	var out []string
	var buf []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			if len(buf) > 0 {
				out = append(out, strings.Join(buf, "\n"))
				buf = nil
			}
			continue
		}
		buf = append(buf, line)
	}
	if len(buf) > 0 {
		out = append(out, strings.Join(buf, "\n"))
	}
	return out
}

func packSentences(para string, maxChars int) []string {
	var out []string
	var open []string
	openLen := 0

	flush := func() {
		if len(open) > 0 {
			out = append(out, strings.Join(open, " "))
			open = nil
			openLen = 0
		}
	}

	for _, s := range sentences(para) {
		n := utf8.RuneCountInString(s)
		if n > maxChars {
			flush()
			out = append(out, s)
			continue
		}
		if openLen > 0 && openLen+1+n > maxChars {
			flush()
		}
		open = append(open, s)
		openLen += n
		if len(open) > 1 {
			openLen++
		}
	}
	flush()
	return out
}

// sentences splits on terminal punctuation followed by whitespace, and on
// newlines. Runs like "?!" or "..." stay attached to their sentence.
func sentences(para string) []string {
	var out []string
	emit := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	start := 0
	for i := 0; i < len(para); i++ {
		switch para[i] {
		case '.', '?', '!':
			j := i + 1
			for j < len(para) && (para[j] == '.' || para[j] == '?' || para[j] == '!') {
				j++
			}
			if j < len(para) && !isSpace(para[j]) {
				i = j - 1
				continue
			}
			emit(para[start:j])
			for j < len(para) && isSpace(para[j]) {
				j++
			}
			start = j
			i = j - 1
		case '\n':
			emit(para[start:i])
			j := i + 1
			for j < len(para) && isSpace(para[j]) {
				j++
			}
			start = j
			i = j - 1
		}
	}
	if start < len(para) {
		emit(para[start:])
	}
	return out
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
