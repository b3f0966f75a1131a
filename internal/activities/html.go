package activities

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLToTextInput is the input of html.to_text.
type HTMLToTextInput struct {
	Content string `json:"content"`
	// MaxChars truncates the extracted text. Zero keeps everything.
	MaxChars int `json:"max_chars,omitempty"`
}

// HTMLToTextOutput is the result of html.to_text.
type HTMLToTextOutput struct {
	Text string `json:"text"`
}

// HTMLToText implements "html.to_text": main-content text extraction.
type HTMLToText struct{}

func (HTMLToText) Name() string { return "html.to_text" }
func (HTMLToText) Description() string {
	return "Extract readable text from HTML, dropping scripts, styles and page chrome."
}

func (a HTMLToText) Execute(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in HTMLToTextInput
	if err := decodeInput(a.Name(), input, &in); err != nil {
		return nil, err
	}
	text := ExtractText(in.Content)
	if in.MaxChars > 0 {
		if r := []rune(text); len(r) > in.MaxChars {
			text = string(r[:in.MaxChars])
		}
	}
	return encodeOutput(a.Name(), HTMLToTextOutput{Text: text})
}

// droppedElements never contribute text.
var droppedElements = map[string]bool{
	"script": true, "style": true, "noscript": true, "meta": true, "link": true,
	"svg": true, "img": true, "picture": true, "source": true, "template": true,
	"header": true, "nav": true, "aside": true, "footer": true, "head": true,
}

var (
	consentNoise = regexp.MustCompile(`(?i)(we use cookies|cookie\s+settings|your\s+privacy)`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// ExtractText returns the main textual content of an HTML document. Content
// without markup is only whitespace-normalised.
func ExtractText(content string) string {
	if !strings.Contains(content, "<") {
		return collapse(content)
	}
	doc, err := html.Parse(strings.NewReader(content))
	if err != nil {
		return collapse(content)
	}

	root := findFirst(doc, atom.Article)
	if root == nil {
		root = findFirst(doc, atom.Main)
	}
	if root == nil {
		root = findFirst(doc, atom.Body)
	}
	if root == nil {
		root = doc
	}

	var b strings.Builder
	collectText(root, &b)
	text := consentNoise.ReplaceAllString(b.String(), " ")
	return collapse(text)
}

func findFirst(n *html.Node, a atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == a {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, a); found != nil {
			return found
		}
	}
	return nil
}

func collectText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		b.WriteByte(' ')
		return
	case html.CommentNode:
		return
	case html.ElementNode:
		if droppedElements[n.Data] {
			return
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, b)
	}
}

func collapse(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
