package template

import (
	"html"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	inlineSpace = regexp.MustCompile(`[^\S\n]+`)
	invisible   = regexp.MustCompile(`[\x{200B}-\x{200D}\x{FEFF}\x{00AD}]+`)
)

// htmlToText derives a plain-text body from rendered HTML. Links keep their
// target in parentheses so text-only clients can still follow them.
func htmlToText(body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, head, meta, link").Remove()

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		label := strings.TrimSpace(s.Text())
		if href == "" || strings.HasPrefix(href, "mailto:") || href == label {
			return
		}
		s.AppendHtml(" (" + html.EscapeString(href) + ")")
	})

	doc.Find("p, div, br, h1, h2, h3, h4, h5, h6, li, tr").Each(func(_ int, s *goquery.Selection) {
		s.PrependHtml("\n")
	})

	text := invisible.ReplaceAllString(doc.Text(), "")
	text = inlineSpace.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	clean := lines[:0]
	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			clean = append(clean, line)
		}
	}
	return strings.Join(clean, "\n"), nil
}
