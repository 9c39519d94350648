// Package textclean prepares crawled document text for prompts.
package textclean

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/unicode/norm"
)

const truncationMarker = " [truncated]"

// looksLikeHTML is a cheap check before paying for a parse.
func looksLikeHTML(s string) bool {
	i := strings.IndexByte(s, '<')
	return i >= 0 && strings.IndexByte(s[i:], '>') > 0
}

// StripHTML returns the visible text of an HTML fragment. Script, style and
// noscript contents are dropped. Plain text is returned unchanged.
func StripHTML(s string) string {
	if !looksLikeHTML(s) {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	doc.Find("script, style, noscript, template").Remove()
	// Block boundaries become line breaks so words do not run together.
	doc.Find("p, div, br, li, h1, h2, h3, h4, h5, h6, tr, section, article").Each(func(_ int, sel *goquery.Selection) {
		sel.AppendHtml("\n")
	})
	return doc.Text()
}

// CollapseWhitespace trims each line, squeezes runs of spaces, and keeps at
// most one blank line between paragraphs.
func CollapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	blank := 0
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.FieldsFunc(line, unicode.IsSpace), " ")
		if line == "" {
			blank++
			continue
		}
		if b.Len() > 0 {
			if blank > 0 {
				b.WriteString("\n\n")
			} else {
				b.WriteByte('\n')
			}
		}
		blank = 0
		b.WriteString(line)
	}
	return b.String()
}

// Truncate cuts s to at most maxRunes runes, backing up to a word boundary
// when one is close, and appends a marker. maxRunes <= 0 disables it.
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)[:maxRunes]
	cut := len(runes)
	for i := len(runes) - 1; i >= len(runes)*9/10; i-- {
		if unicode.IsSpace(runes[i]) {
			cut = i
			break
		}
	}
	return strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace) + truncationMarker
}

// Normalize strips markup, applies Unicode NFC, collapses whitespace, and
// truncates to maxRunes.
func Normalize(s string, maxRunes int) string {
	s = StripHTML(s)
	s = norm.NFC.String(s)
	s = strings.ToValidUTF8(s, "")
	s = CollapseWhitespace(s)
	return Truncate(s, maxRunes)
}
