package processor

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"staycrawler/pkg/types"
)

// TextCleaner turns the markup found in review and host texts into plain
// text with line breaks preserved.
type TextCleaner struct {
	dropSelectors []string
}

// NewTextCleaner builds a cleaner that also drops the given selectors.
func NewTextCleaner(extraDrop ...string) *TextCleaner {
	return &TextCleaner{dropSelectors: append([]string{"script", "style", "noscript", "iframe"}, extraDrop...)}
}

var blockLevelTags = map[string]struct{}{
	"p":          {},
	"div":        {},
	"section":    {},
	"article":    {},
	"h1":         {},
	"h2":         {},
	"h3":         {},
	"h4":         {},
	"h5":         {},
	"h6":         {},
	"li":         {},
	"ul":         {},
	"ol":         {},
	"blockquote": {},
}

// Clean returns s without markup. Text that contains no tags only has its
// whitespace normalised per line.
func (c *TextCleaner) Clean(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return collapseBlankLines(normalizeLines(s))
	}
	text, err := c.extract(s)
	if err != nil {
		return collapseBlankLines(normalizeLines(s))
	}
	return text
}

// CleanReviews cleans comments and responses in place and returns reviews.
func (c *TextCleaner) CleanReviews(reviews []types.Review) []types.Review {
	for i := range reviews {
		reviews[i].Comments = c.Clean(reviews[i].Comments)
		reviews[i].Response = c.Clean(reviews[i].Response)
	}
	return reviews
}

func (c *TextCleaner) extract(fragment string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<body>" + fragment + "</body>"))
	if err != nil {
		return "", fmt.Errorf("parse fragment: %w", err)
	}
	for _, sel := range c.dropSelectors {
		doc.Find(sel).Remove()
	}
	body := doc.Find("body").First()
	if body.Length() == 0 {
		return "", fmt.Errorf("fragment has no body")
	}

	acc := &textAccumulator{}
	for _, node := range body.Nodes {
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			accumulateText(child, acc)
		}
	}
	return collapseBlankLines(strings.TrimSpace(acc.String())), nil
}

type textAccumulator struct {
	builder      strings.Builder
	lastRune     rune
	hasLast      bool
	lastWasNL    bool
	pendingSpace bool
}

func (t *textAccumulator) String() string {
	return t.builder.String()
}

func (t *textAccumulator) append(value string) {
	if value == "" {
		return
	}
	t.builder.WriteString(value)
	for _, r := range value {
		t.lastRune = r
		t.hasLast = true
		t.lastWasNL = r == '\n'
	}
}

func (t *textAccumulator) ensureNewline() {
	if !t.hasLast || t.lastWasNL {
		return
	}
	t.append("\n")
}

func (t *textAccumulator) ensureSpaceBeforeText(leading bool) {
	pending := t.pendingSpace || leading
	t.pendingSpace = false
	if !pending || !t.hasLast || t.lastRune == ' ' || t.lastRune == '\n' {
		return
	}
	t.append(" ")
}

func accumulateText(node *html.Node, acc *textAccumulator) {
	switch node.Type {
	case html.TextNode:
		text := normalizeWhitespace(node.Data)
		if text == "" {
			acc.pendingSpace = acc.pendingSpace || node.Data != ""
			return
		}
		acc.ensureSpaceBeforeText(startsWithSpace(node.Data))
		acc.append(text)
		acc.pendingSpace = endsWithSpace(node.Data)
	case html.ElementNode:
		tag := strings.ToLower(node.Data)
		if tag == "br" {
			acc.lastWasNL = false
			acc.append("\n")
			return
		}
		_, block := blockLevelTags[tag]
		if block {
			acc.ensureNewline()
		}
		for child := node.FirstChild; child != nil; child = child.NextSibling {
			accumulateText(child, acc)
		}
		if block {
			acc.ensureNewline()
		}
	}
}

func startsWithSpace(s string) bool {
	return s != "" && strings.TrimLeftFunc(s[:1], unicode.IsSpace) == ""
}

func endsWithSpace(s string) bool {
	return s != "" && strings.TrimRightFunc(s[len(s)-1:], unicode.IsSpace) == ""
}

func normalizeLines(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i, line := range lines {
		lines[i] = normalizeWhitespace(line)
	}
	return strings.Join(lines, "\n")
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	result := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
			result = append(result, "")
			continue
		}
		blank = 0
		result = append(result, strings.TrimRight(line, " \t"))
	}
	return strings.TrimSpace(strings.Join(result, "\n"))
}

func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
