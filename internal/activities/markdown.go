package activities

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// RenderMarkdownInput is the input of markdown.render. Stories accepts a JSON
// array of story objects, a single object, or a string holding either.
type RenderMarkdownInput struct {
	Stories json.RawMessage `json:"stories"`
}

// RenderMarkdownOutput is the result of markdown.render.
type RenderMarkdownOutput struct {
	Markdown string `json:"markdown"`
	Count    int    `json:"count"`
}

// RenderMarkdown implements "markdown.render" for story lists.
type RenderMarkdown struct{}

func (RenderMarkdown) Name() string        { return "markdown.render" }
func (RenderMarkdown) Description() string { return "Render a JSON list of stories as a markdown bullet list." }

func (a RenderMarkdown) Execute(_ context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in RenderMarkdownInput
	if err := decodeInput(a.Name(), input, &in); err != nil {
		return nil, err
	}
	items := storyItems(in.Stories)
	return encodeOutput(a.Name(), RenderMarkdownOutput{Markdown: StoriesMarkdown(items), Count: len(items)})
}

// storyItems unwraps the accepted input shapes into a list of objects.
// Unparseable input yields no items.
func storyItems(raw json.RawMessage) []map[string]any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	for range 2 {
		s, ok := v.(string)
		if !ok {
			break
		}
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil
		}
	}
	// A one-element list wrapping an encoded list.
	if list, ok := v.([]any); ok && len(list) == 1 {
		if s, ok := list[0].(string); ok {
			if err := json.Unmarshal([]byte(s), &v); err != nil {
				return nil
			}
		}
	}

	var out []map[string]any
	switch t := v.(type) {
	case map[string]any:
		out = append(out, t)
	case []any:
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	return out
}

// StoriesMarkdown formats stories as a nested markdown list.
func StoriesMarkdown(items []map[string]any) string {
	field := func(m map[string]any, key, fallback string) string {
		v, ok := m[key]
		if !ok || v == nil {
			return fallback
		}
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			return fmt.Sprintf("%d", int64(f))
		}
		return fmt.Sprint(v)
	}

	var lines []string
	for _, item := range items {
		lines = append(lines,
			"- **Title**: "+field(item, "title", "Untitled"),
			"    - **author**: "+field(item, "author", "unknown"),
			"    - **created_at**: "+field(item, "created_at", "unknown"),
			"    - **id**: "+field(item, "id", "unknown"),
			"    - **num_comments**: "+field(item, "num_comments", "unknown"),
			"    - **points**: "+field(item, "points", "unknown"),
			"    - **summary**: "+field(item, "summary", "unknown"),
			"",
		)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
