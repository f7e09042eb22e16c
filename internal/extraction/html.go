package extraction

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var whitespaceRun = regexp.MustCompile(`[ \t\r\f\v]+`)

func cleanHTML(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", fmt.Errorf("%w: parse html: %w", ErrExtraction, err)
	}

	doc.Find("script, style, noscript, nav, footer, header, aside").Remove()

	// keep block boundaries so sentences in adjacent paragraphs stay apart
	doc.Find("p, div, li, h1, h2, h3, h4, h5, h6, tr, br").Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})

	text := whitespaceRun.ReplaceAllString(doc.Find("body").Text(), " ")
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n"), nil
}
