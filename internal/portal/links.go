// File: internal/portal/links.go
package portal

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// The portal exposes generated documents behind javascript: anchors that
// embed a quoted URL carrying a file-type marker. Any other document-link
// convention is out of scope.
var (
	docLinkPattern    = regexp.MustCompile(`['"]([^'"]*(?:pdf|FileType=pdf)[^'"]*)['"]`)
	errorTextPattern  = regexp.MustCompile(`(?i)error`)
	validationPattern = regexp.MustCompile(`(?i)please.*valid`)
	alertClassPattern = regexp.MustCompile(`(?i)(alert|error|warning)`)
)

const (
	htmlExcerptLimit = 500
	bodyTextLimit    = 200
)

// ExtractDocumentLinks scans a final response body for javascript: anchors
// embedding a quoted document URL, resolving each against the portal base.
func ExtractDocumentLinks(doc string, base *url.URL) []string {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return nil
	}

	var links []string
	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode || n.Data != "a" {
			return
		}
		href := attr(n, "href")
		if !strings.Contains(strings.ToLower(href), "javascript:") {
			return
		}
		m := docLinkPattern.FindStringSubmatch(href)
		if m == nil {
			return
		}
		link := m[1]
		if !strings.HasPrefix(link, "http") {
			if resolved, err := base.Parse(link); err == nil {
				link = resolved.String()
			}
		}
		links = append(links, link)
	})
	return links
}

// Diagnostics is the best-effort evidence bundle collected when a final page
// yields zero document links. It is attached to the failure result, not
// discarded.
type Diagnostics struct {
	// Messages holds extracted error or validation text, highest priority
	// first; never empty (a "no message found" marker is substituted).
	Messages    []string
	HTMLExcerpt string
	FormCount   int
	FormActions []string
	BodyText    string
	Title       string
}

// CollectDiagnostics scans a response body for anything that explains why no
// document was generated: error-keyword text, validation phrases, alert
// styled elements, plus raw structural context (forms present, body text,
// title, a markup excerpt).
func CollectDiagnostics(doc string) Diagnostics {
	d := Diagnostics{
		HTMLExcerpt: excerpt(doc, htmlExcerptLimit),
	}

	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		d.Messages = []string{"response body could not be parsed as HTML"}
		return d
	}

	// Priority 1: any text node matching the error-keyword pattern.
	if text := findText(root, errorTextPattern); text != "" {
		d.Messages = append(d.Messages, "Error found in response: "+text)
	}

	// Priority 2: validation phrasing ("please ... valid").
	if text := findText(root, validationPattern); text != "" {
		d.Messages = append(d.Messages, "Validation issue: "+text)
	}

	// Priority 3: alert/error/warning styled elements.
	walk(root, func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		if n.Data != "div" && n.Data != "span" {
			return
		}
		if !alertClassPattern.MatchString(attr(n, "class")) {
			return
		}
		if text := nodeText(n); text != "" {
			d.Messages = append(d.Messages, "Alert: "+text)
		}
	})

	if len(d.Messages) == 0 {
		d.Messages = []string{"no specific error message found in response"}
	}

	// Structural context: the portal silently returns to an earlier step on
	// some validation failures, which shows up as familiar forms reappearing.
	walk(root, func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "form" {
			d.FormCount++
			if len(d.FormActions) < 2 {
				d.FormActions = append(d.FormActions, attr(n, "action"))
			}
		}
	})

	if body := findFirst(root, "body"); body != nil {
		d.BodyText = excerpt(nodeText(body), bodyTextLimit)
	}
	if title := findFirst(root, "title"); title != nil {
		d.Title = nodeText(title)
	}

	return d
}

// Summary renders the bundle as human-readable lines for the progress log.
func (d Diagnostics) Summary() []string {
	lines := make([]string, 0, len(d.Messages)+4)
	lines = append(lines, d.Messages...)
	if d.FormCount > 0 {
		lines = append(lines, fmt.Sprintf("found %d form(s) on page", d.FormCount))
		for i, action := range d.FormActions {
			lines = append(lines, fmt.Sprintf("form %d: action=%q", i+1, action))
		}
	}
	if d.Title != "" {
		lines = append(lines, "page title: "+d.Title)
	}
	if d.BodyText != "" {
		lines = append(lines, "body text: "+d.BodyText)
	}
	if d.HTMLExcerpt != "" {
		lines = append(lines, "response excerpt: "+d.HTMLExcerpt)
	}
	return lines
}

// findText returns the first text node matching the pattern, trimmed.
func findText(root *html.Node, pattern *regexp.Regexp) string {
	var found string
	walk(root, func(n *html.Node) {
		if found != "" || n.Type != html.TextNode {
			return
		}
		text := strings.TrimSpace(n.Data)
		if text != "" && pattern.MatchString(text) {
			found = text
		}
	})
	return found
}

// nodeText concatenates all text under a node, whitespace collapsed.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
			sb.WriteString(" ")
		}
	})
	return strings.Join(strings.Fields(sb.String()), " ")
}
