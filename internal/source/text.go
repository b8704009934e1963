package source

import (
	"html"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// noiseSelector matches elements that never carry release content.
const noiseSelector = "script, style, noscript, template, svg, iframe, nav, footer, aside, body > header, [aria-hidden=\"true\"]"

// blockSelector matches elements whose text should end on its own line.
const blockSelector = "p, div, li, dt, dd, tr, pre, blockquote, section, article, table, h1, h2, h3, h4, h5, h6"

var (
	horizontalSpace = regexp.MustCompile(`[ \t\f\v\x{00a0}]+`)
	blankRuns       = regexp.MustCompile(`\n{3,}`)
	tagPattern      = regexp.MustCompile(`(?s)<[^>]+>`)
)

// NormalizeWhitespace unifies line endings, trims each line, collapses runs
// of spaces and keeps at most one blank line between paragraphs.
func NormalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(horizontalSpace.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// prepareDocument removes noise and marks block boundaries so that
// Selection.Text keeps paragraphs apart.
func prepareDocument(doc *goquery.Document) {
	doc.Find(noiseSelector).Remove()
	doc.Find("br, hr").ReplaceWithHtml("\n")
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	doc.Find("h1, h2, h3, h4").Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})
}

// selectionText returns the normalized text of s.
func selectionText(s *goquery.Selection) string {
	return NormalizeWhitespace(s.Text())
}

// htmlToText converts an HTML fragment to normalized text. It falls back
// to stripping tags when the fragment cannot be parsed.
func htmlToText(fragment string) string {
	if !strings.Contains(fragment, "<") {
		return NormalizeWhitespace(html.UnescapeString(fragment))
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return stripTags(fragment)
	}
	prepareDocument(doc)
	return selectionText(doc.Selection)
}

func stripTags(fragment string) string {
	return NormalizeWhitespace(html.UnescapeString(tagPattern.ReplaceAllString(fragment, "\n")))
}
