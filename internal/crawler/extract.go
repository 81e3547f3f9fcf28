package crawler

import (
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// parsedPage is what the crawler keeps from one HTML document.
type parsedPage struct {
	Title       string
	Text        string
	Description string
	Lang        string
	Links       []string
	NoFollow    bool
}

// skippedElements never contribute visible text.
var skippedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Svg:      true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Head:     true,
	atom.Title:    true,
}

// blockElements end a line of text.
var blockElements = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Ul: true, atom.Ol: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Section: true, atom.Article: true, atom.Header: true, atom.Footer: true, atom.Nav: true,
	atom.Tr: true, atom.Td: true, atom.Th: true, atom.Table: true, atom.Blockquote: true,
	atom.Pre: true, atom.Dt: true, atom.Dd: true, atom.Main: true, atom.Aside: true,
}

// parseHTML extracts title, visible text, metadata and hrefs.
func parseHTML(r io.Reader) (*parsedPage, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	page := &parsedPage{}
	var text strings.Builder

	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Html:
				page.Lang = attr(n, "lang")
			case atom.Title:
				if page.Title == "" {
					page.Title = strings.TrimSpace(nodeText(n))
				}
			case atom.Meta:
				switch strings.ToLower(attr(n, "name")) {
				case "description":
					page.Description = strings.TrimSpace(attr(n, "content"))
				case "robots":
					if strings.Contains(strings.ToLower(attr(n, "content")), "nofollow") {
						page.NoFollow = true
					}
				}
			case atom.A:
				if href := strings.TrimSpace(attr(n, "href")); href != "" && !strings.Contains(attr(n, "rel"), "nofollow") {
					page.Links = append(page.Links, href)
				}
			}
			if skippedElements[n.DataAtom] {
				// The head still holds title and meta tags.
				if n.DataAtom == atom.Head {
					for c := n.FirstChild; c != nil; c = c.NextSibling {
						if c.Type == html.ElementNode && (c.DataAtom == atom.Title || c.DataAtom == atom.Meta) {
							walk(c)
						}
					}
				}
				return
			}
		}

		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				if text.Len() > 0 && !endsWithNewline(&text) {
					text.WriteByte(' ')
				}
				text.WriteString(s)
			}
		}

		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}

		if n.Type == html.ElementNode && blockElements[n.DataAtom] && text.Len() > 0 && !endsWithNewline(&text) {
			text.WriteByte('\n')
		}
	}
	walk(doc)

	page.Text = strings.TrimSpace(text.String())
	return page, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
	}
	return b.String()
}

func endsWithNewline(b *strings.Builder) bool {
	s := b.String()
	return s != "" && s[len(s)-1] == '\n'
}
