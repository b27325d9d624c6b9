package pipeline

import (
	"strings"

	"golang.org/x/net/html"
)

// DefaultMarkers are phrases that flag a sentence as a likely factual claim.
// They are handed to the extraction collaborator as recognition markers.
var DefaultMarkers = []string{
	"originated", "origin", "first", "introduced", "invented",
	"according to", "is defined as", "is legally", "under the law",
	"shall", "must", "is required", "established", "founded",
	"created", "discovered", "developed", "reported", "measured",
}

// skipped elements never contribute visible text
var skipped = map[string]bool{
	"script": true, "style": true, "noscript": true, "iframe": true,
	"svg": true, "template": true, "head": true,
}

// block elements end a line of visible text
var block = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "blockquote": true, "pre": true,
	"table": true, "ul": true, "ol": true,
}

// VisibleText extracts the human-visible text of an HTML document.
// Block elements become line breaks and runs of whitespace collapse.
func VisibleText(htmlContent string) (string, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return "", err
	}

	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipped[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			text := strings.Join(strings.Fields(n.Data), " ")
			if text != "" {
				if buf.Len() > 0 && !strings.HasSuffix(buf.String(), "\n") {
					buf.WriteString(" ")
				}
				buf.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && block[n.Data] && buf.Len() > 0 && !strings.HasSuffix(buf.String(), "\n") {
			buf.WriteString("\n")
		}
	}
	walk(doc)

	return strings.TrimSpace(buf.String()), nil
}

// SplitSentences splits text into sentences of reasonable length.
// Very short fragments such as headings and navigation are dropped.
func SplitSentences(text string) []string {
	text = strings.ReplaceAll(text, "\n", " ")

	var sentences []string
	var current strings.Builder
	flush := func() {
		sentence := strings.TrimSpace(current.String())
		if len(sentence) >= 30 && len(sentence) <= 500 {
			sentences = append(sentences, sentence)
		}
		current.Reset()
	}

	for i, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			// decimals and URLs have no space after the dot
			if i+1 < len(text) && (text[i+1] == ' ' || text[i+1] == '\t') {
				flush()
			}
		}
	}
	if current.Len() > 0 {
		flush()
	}
	return sentences
}

// MarkedSentences returns the sentences containing at least one marker,
// without duplicates
func MarkedSentences(text string, markers []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, sentence := range SplitSentences(text) {
		lower := strings.ToLower(sentence)
		for _, m := range markers {
			if strings.Contains(lower, strings.ToLower(m)) {
				if !seen[lower] {
					seen[lower] = true
					out = append(out, sentence)
				}
				break
			}
		}
	}
	return out
}
