// Package extractor implements the default content extractor applied to
// a fetched page's HTML, porting main.py's default_parser: title, meta
// description, first h1, outgoing link count, and a trimmed preview of the
// page's main text content.
package extractor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Page is the default extraction result for one fetched HTML document.
type Page struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	H1          string `json:"h1"`
	LinksCount  int    `json:"links_count"`
	TextLength  int    `json:"text_length"`
	TextPreview string `json:"text_preview"`
}

const (
	maxMainText    = 5000
	maxTextPreview = 500
)

// Extract parses html and pulls out the same fields default_parser does:
// title, meta description, first h1, count of absolute outgoing links, and
// a preview of the main/article/body text with script, style, nav, footer
// and header content stripped out first.
func Extract(html string) Page {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Page{}
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())

	description := ""
	if meta := doc.Find(`meta[name="description"]`).First(); meta.Length() > 0 {
		description, _ = meta.Attr("content")
	}

	h1 := strings.TrimSpace(doc.Find("h1").First().Text())

	linksCount := 0
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if strings.HasPrefix(href, "http") {
			linksCount++
		}
	})

	main := doc.Find("main").First()
	if main.Length() == 0 {
		main = doc.Find("article").First()
	}
	if main.Length() == 0 {
		main = doc.Find("body").First()
	}

	mainText := ""
	if main.Length() > 0 {
		main.Find("script,style,nav,footer,header").Remove()
		mainText = collapseWhitespace(main.Text())
		if len(mainText) > maxMainText {
			mainText = mainText[:maxMainText]
		}
	}

	preview := mainText
	if len(preview) > maxTextPreview {
		preview = preview[:maxTextPreview]
	}

	return Page{
		Title:       title,
		Description: description,
		H1:          h1,
		LinksCount:  linksCount,
		TextLength:  len(mainText),
		TextPreview: preview,
	}
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
