// CLAUDE:SUMMARY HTML article extraction: boilerplate pruning, container selectors, published-date discovery, Markdown rendition.
package content

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Extracted is the readable part of a page.
type Extracted struct {
	Title       string
	Text        string
	Markdown    string
	PublishedAt time.Time
}

// containerSelectors are tried in order; the first match with enough text
// is the article.
var containerSelectors = []string{
	"article",
	"[itemprop=articleBody]",
	"div.article-body",
	"div.story-body",
	"div.post-content",
	"div.entry-content",
	"div.article-content",
	"main",
	"[role=main]",
	"#content",
}

// boilerplateTags never carry article text.
var boilerplateTags = map[atom.Atom]bool{
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Nav: true,
	atom.Header: true, atom.Footer: true, atom.Aside: true, atom.Form: true,
	atom.Iframe: true, atom.Svg: true, atom.Button: true,
}

var boilerplateHint = regexp.MustCompile(`(?i)(^|[\s_-])(ad|ads|advert|advertisement|promo|sponsor|sidebar|cookie|newsletter|related|share|social|comments?|menu|banner|popup|subscribe)($|[\s_-])`)

const minContainerText = 200

func newMarkdownConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
}

// extractHTML parses body and returns its article text, cut to maxLen runes.
func extractHTML(body []byte, pageURL string, maxLen int, md *converter.Converter) (*Extracted, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	out := &Extracted{Title: pageTitle(doc), PublishedAt: publishedFromMeta(doc)}
	if out.PublishedAt.IsZero() {
		out.PublishedAt = DateFromURL(pageURL)
	}

	prune(doc)
	node := articleNode(doc)
	out.Text = truncateRunes(normalizeSpace(textOf(node)), maxLen)

	if md != nil {
		var buf bytes.Buffer
		if err := html.Render(&buf, node); err == nil {
			if s, err := md.ConvertString(buf.String(), converter.WithDomain(pageURL)); err == nil {
				out.Markdown = truncateRunes(strings.TrimSpace(s), maxLen)
			}
		}
	}
	if out.Markdown == "" {
		out.Markdown = out.Text
	}
	return out, nil
}

// prune detaches boilerplate subtrees in place.
func prune(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.CommentNode || (c.Type == html.ElementNode && isBoilerplate(c)) {
			n.RemoveChild(c)
		} else {
			prune(c)
		}
		c = next
	}
}

func isBoilerplate(n *html.Node) bool {
	if boilerplateTags[n.DataAtom] {
		return true
	}
	if n.DataAtom == atom.Body || n.DataAtom == atom.Html || n.DataAtom == atom.Main || n.DataAtom == atom.Article {
		return false
	}
	if boilerplateHint.MatchString(attr(n, "class")) || boilerplateHint.MatchString(attr(n, "id")) {
		return true
	}
	return attr(n, "aria-hidden") == "true" || attr(n, "role") == "navigation"
}

func articleNode(doc *html.Node) *html.Node {
	for _, sel := range containerSelectors {
		s := parseSelector(sel)
		if n := find(doc, func(n *html.Node) bool { return s.match(n) && len(textOf(n)) >= minContainerText }); n != nil {
			return n
		}
	}
	if body := find(doc, func(n *html.Node) bool { return n.DataAtom == atom.Body }); body != nil {
		return body
	}
	return doc
}

// selector is the tag, .class, #id and [attr=val] subset, combinable as
// "div.content" or "div[role=main]".
type selector struct {
	tag, class, id, attrKey, attrVal string
}

func parseSelector(s string) selector {
	var sel selector
	if i := strings.IndexByte(s, '['); i >= 0 {
		kv := strings.TrimSuffix(s[i+1:], "]")
		s = s[:i]
		k, v, _ := strings.Cut(kv, "=")
		sel.attrKey, sel.attrVal = k, strings.Trim(v, `"'`)
	}
	if i := strings.IndexByte(s, '#'); i >= 0 {
		sel.id, s = s[i+1:], s[:i]
	}
	if i := strings.IndexByte(s, '.'); i >= 0 {
		sel.class, s = s[i+1:], s[:i]
	}
	sel.tag = s
	return sel
}

func (s selector) match(n *html.Node) bool {
	if n.Type != html.ElementNode || (s.tag != "" && n.Data != s.tag) {
		return false
	}
	if s.id != "" && attr(n, "id") != s.id {
		return false
	}
	if s.class != "" && !hasClass(n, s.class) {
		return false
	}
	if s.attrKey != "" {
		v, ok := attrOK(n, s.attrKey)
		if !ok || (s.attrVal != "" && v != s.attrVal) {
			return false
		}
	}
	return true
}

func find(n *html.Node, pred func(*html.Node) bool) *html.Node {
	if n.Type == html.ElementNode && pred(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if m := find(c, pred); m != nil {
			return m
		}
	}
	return nil
}

func attrOK(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func attr(n *html.Node, key string) string {
	v, _ := attrOK(n, key)
	return v
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// textOf joins text nodes, separating block elements.
func textOf(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
			return
		case html.ElementNode:
			if n.DataAtom == atom.Script || n.DataAtom == atom.Style {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.P, atom.Div, atom.Li, atom.Br, atom.H1, atom.H2, atom.H3, atom.H4, atom.Tr, atom.Section:
				sb.WriteByte('\n')
			}
		}
	}
	walk(n)
	return sb.String()
}

func pageTitle(doc *html.Node) string {
	if n := find(doc, func(n *html.Node) bool {
		return n.DataAtom == atom.Meta && attr(n, "property") == "og:title"
	}); n != nil {
		if t := strings.TrimSpace(attr(n, "content")); t != "" {
			return t
		}
	}
	if n := find(doc, func(n *html.Node) bool { return n.DataAtom == atom.Title }); n != nil {
		return normalizeSpace(textOf(n))
	}
	if n := find(doc, func(n *html.Node) bool { return n.DataAtom == atom.H1 }); n != nil {
		return normalizeSpace(textOf(n))
	}
	return ""
}

var metaDateKeys = map[string]bool{
	"article:published_time": true, "og:published_time": true, "datepublished": true,
	"date": true, "pubdate": true, "publishdate": true, "publish-date": true, "dc.date": true,
}

var dateLayouts = []string{
	time.RFC3339, "2006-01-02T15:04:05Z0700", "2006-01-02T15:04:05", "2006-01-02 15:04:05",
	"2006-01-02", time.RFC1123Z, time.RFC1123, "January 2, 2006", "Jan 2, 2006",
}

func publishedFromMeta(doc *html.Node) time.Time {
	var found time.Time
	find(doc, func(n *html.Node) bool {
		var raw string
		switch n.DataAtom {
		case atom.Meta:
			key := strings.ToLower(attr(n, "property") + attr(n, "name") + attr(n, "itemprop"))
			if metaDateKeys[key] {
				raw = attr(n, "content")
			}
		case atom.Time:
			raw = attr(n, "datetime")
		}
		if raw == "" {
			return false
		}
		found = parseDate(raw)
		return !found.IsZero()
	})
	return found
}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, l := range dateLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

var urlDate = regexp.MustCompile(`/(20\d{2})[/-](0?[1-9]|1[0-2])[/-](0?[1-9]|[12]\d|3[01])(?:/|-|$)`)

// DateFromURL reads a /YYYY/MM/DD/ or /YYYY-MM-DD path date.
func DateFromURL(u string) time.Time {
	m := urlDate.FindStringSubmatch(u)
	if m == nil {
		return time.Time{}
	}
	y, _ := strconv.Atoi(m[1])
	mo, _ := strconv.Atoi(m[2])
	d, _ := strconv.Atoi(m[3])
	return time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
