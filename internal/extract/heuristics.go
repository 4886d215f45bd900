package extract

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/bryan-buckman/sniffle/internal/urlnorm"
)

const contentImages = "article img, .content img, .post img, .post-content img, .entry-content img, main img"

// MainImage guesses a page's representative image: og:image, then
// twitter:image, then the first image in a content container, then the
// first image anywhere. The result is absolute, or empty.
func MainImage(pageURL string, doc *goquery.Document) string {
	if doc == nil {
		return ""
	}
	for _, sel := range []string{
		`meta[property="og:image"]`,
		`meta[name="og:image"]`,
		`meta[name="twitter:image"]`,
		`meta[property="twitter:image"]`,
	} {
		if v := strings.TrimSpace(doc.Find(sel).First().AttrOr("content", "")); v != "" {
			return urlnorm.Resolve(pageURL, v)
		}
	}
	for _, sel := range []string{contentImages, "img"} {
		var found string
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			found = imageSrc(s)
			return found == ""
		})
		if found != "" {
			return urlnorm.Resolve(pageURL, found)
		}
	}
	return ""
}
