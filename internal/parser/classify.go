package parser

import (
	"strings"

	"github.com/raphaelgruber/sitekb/internal/models"
)

// classifyRule matches a page type by keywords in the URL, title or content.
type classifyRule struct {
	docType models.DocumentType
	url     []string
	title   []string
	content []string
}

// classifyRules are evaluated in order; the first match wins.
var classifyRules = []classifyRule{
	{
		docType: models.DocumentTypeFAQ,
		url:     []string{"/faq", "faqs", "/help/", "/questions"},
		title:   []string{"faq", "frequently asked", "questions and answers", "q&a"},
		content: []string{"frequently asked questions"},
	},
	{
		docType: models.DocumentTypeProduct,
		url:     []string{"/product", "/shop", "/store/", "/pricing", "/item/", "/catalog"},
		title:   []string{"pricing", "buy ", "shop"},
		content: []string{"add to cart", "add to basket", "in stock", "out of stock", "buy now"},
	},
	{
		docType: models.DocumentTypeArticle,
		url:     []string{"/blog", "/news", "/article", "/post/", "/posts/", "/stories/"},
		title:   []string{"blog", "news"},
		content: []string{"published on", "posted on", "min read", "written by"},
	},
}

// Classify returns the document type of a page.
func Classify(url, title, content string) models.DocumentType {
	url = strings.ToLower(url)
	title = strings.ToLower(title)
	content = strings.ToLower(content)

	for _, rule := range classifyRules {
		if containsAny(url, rule.url) || containsAny(title, rule.title) || containsAny(content, rule.content) {
			return rule.docType
		}
	}
	return models.DocumentTypeWebpage
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
