package extract

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxIFULength = 4000
	minIFULength = 20
)

var (
	indicationsHeading = regexp.MustCompile(`(?i)indications?\s+for\s+use(\s*\(describe\))?\s*[:.]?`)
	intendedUseHeading = regexp.MustCompile(`(?i)intended\s+use\s*[:.]?`)

	// Headings that usually follow the IFU block in a 510(k) summary.
	nextSection = regexp.MustCompile(`(?im)^\s*(` +
		`type\s+of\s+use|` +
		`prescription\s+use|` +
		`device\s+description|` +
		`technological\s+characteristics|` +
		`comparison\s+(of|to|with)|` +
		`substantial\s+equivalence|` +
		`performance\s+(data|testing)|` +
		`non-?clinical|` +
		`clinical\s+(data|testing)|` +
		`conclusions?` +
		`)\b`)

	spaces = regexp.MustCompile(`[ \t]+`)
)

// FindIFU returns the Indications for Use statement from a document's text,
// or "" when the document has none.
//
// FDA form 3881 repeats the heading as a title and again before the
// statement, so among "Indications for Use" blocks the longest wins. Only
// when there is none does an "Intended Use" block count.
func FindIFU(text string) string {
	var best string
	for _, c := range candidates(text, indicationsHeading) {
		if len(c) > len(best) {
			best = c
		}
	}
	if best == "" {
		if cs := candidates(text, intendedUseHeading); len(cs) > 0 {
			best = cs[0]
		}
	}
	return truncate(best, maxIFULength)
}

// candidates returns the cleaned text following each heading match, up to
// the next heading or known section.
func candidates(text string, heading *regexp.Regexp) []string {
	locs := heading.FindAllStringIndex(text, -1)
	var out []string
	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		body := text[loc[1]:end]
		if next := nextSection.FindStringIndex(body); next != nil {
			body = body[:next[0]]
		}
		if c := clean(body); len(c) >= minIFULength {
			out = append(out, c)
		}
	}
	return out
}

func clean(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(spaces.ReplaceAllString(l, " "))
		if l == "" {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := strings.LastIndex(s[:n], " ")
	if cut <= 0 {
		cut = n
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
	}
	return s[:cut] + "..."
}
