// Package extract pulls a representative image and a readable body out of
// article pages.
package extract

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/bryan-buckman/sniffle/internal/urlnorm"
)

//go:embed rules.json
var defaultRulesJSON []byte

// Rule says where a site keeps its main image.
type Rule struct {
	Image   string `json:"image"`             // CSS selector for the <img>
	Alt     string `json:"alt,omitempty"`     // attribute of the <img> holding the caption
	Caption string `json:"caption,omitempty"` // CSS selector for a separate caption element
}

// Rules maps a lowercase hostname to its rule.
type Rules map[string]Rule

// Extracted is what a rule found. Both fields may be empty when the rule
// matched the host but not the page.
type Extracted struct {
	ImageURL string
	Caption  string
}

// DefaultRules returns the built-in rule table.
func DefaultRules() Rules {
	rules, err := parseRules(defaultRulesJSON)
	if err != nil {
		panic(fmt.Sprintf("extract: embedded rules.json: %v", err))
	}
	return rules
}

// LoadRules returns the built-in rules with those in the JSON file at path
// layered on top. An empty path returns the built-in rules.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	extra, err := parseRules(data)
	if err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}
	return rules.Merge(extra), nil
}

func parseRules(data []byte) (Rules, error) {
	raw := make(map[string]Rule)
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	rules := make(Rules, len(raw))
	for host, r := range raw {
		if strings.TrimSpace(r.Image) == "" {
			return nil, fmt.Errorf("rule for %q has no image selector", host)
		}
		rules[strings.ToLower(strings.TrimSpace(host))] = r
	}
	return rules, nil
}

// Merge returns a new table holding rs overridden by other.
func (rs Rules) Merge(other Rules) Rules {
	out := make(Rules, len(rs)+len(other))
	for h, r := range rs {
		out[h] = r
	}
	for h, r := range other {
		out[h] = r
	}
	return out
}

// Lookup returns the rule for pageURL's host.
func (rs Rules) Lookup(pageURL string) (Rule, bool) {
	host := urlnorm.Hostname(pageURL)
	if host == "" {
		return Rule{}, false
	}
	r, ok := rs[host]
	return r, ok
}

// Extract applies the rule for pageURL's host to doc. It returns nil when no
// rule exists for the host.
func (rs Rules) Extract(pageURL string, doc *goquery.Document) *Extracted {
	rule, ok := rs.Lookup(pageURL)
	if !ok {
		return nil
	}
	out := &Extracted{}
	if doc == nil {
		return out
	}

	img := doc.Find(rule.Image).First()
	if img.Length() == 0 {
		return out
	}
	out.ImageURL = urlnorm.Resolve(pageURL, imageSrc(img))

	switch {
	case rule.Alt != "" && strings.TrimSpace(img.AttrOr(rule.Alt, "")) != "":
		out.Caption = strings.TrimSpace(img.AttrOr(rule.Alt, ""))
	case strings.TrimSpace(img.AttrOr("alt", "")) != "":
		out.Caption = strings.TrimSpace(img.AttrOr("alt", ""))
	case rule.Caption != "":
		out.Caption = strings.TrimSpace(doc.Find(rule.Caption).First().Text())
	}
	return out
}

// imageSrc reads src, falling back to the usual lazy-load attributes.
func imageSrc(img *goquery.Selection) string {
	for _, attr := range []string{"src", "data-src", "data-lazy-src", "data-original"} {
		if v := strings.TrimSpace(img.AttrOr(attr, "")); v != "" && !strings.HasPrefix(v, "data:") {
			return v
		}
	}
	return ""
}
