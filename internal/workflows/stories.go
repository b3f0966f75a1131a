package workflows

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rendis/duratool/internal/activities"
	"github.com/rendis/duratool/pkg/workflow"
)

const (
	defaultMaxStories = 10
	previewChars      = 4000
	summaryTimeout    = 10 * time.Minute
	// SummaryUnavailable replaces a summary nobody answered in time.
	SummaryUnavailable = "Summary not available"
)

// StoriesInput is the start input of GetLatestStories.
type StoriesInput struct {
	Query      string `json:"query,omitempty"`
	MaxStories int    `json:"max_stories,omitempty"`
	// Summarize asks the caller for a summary of every story. Defaults to true.
	Summarize *bool `json:"summarize,omitempty"`
}

func (in StoriesInput) summarize() bool { return in.Summarize == nil || *in.Summarize }

// StoryResult is one story of the GetLatestStories result.
type StoryResult struct {
	activities.Story
	// ContentPreview is kept only when summaries were not requested.
	ContentPreview string `json:"content_preview,omitempty"`
}

// SummaryRequest is the payload of a summary callback.
type SummaryRequest struct {
	StoryID        string `json:"story_id"`
	Title          string `json:"title"`
	URL            string `json:"url,omitempty"`
	ContentPreview string `json:"content_preview"`
	Instruction    string `json:"instruction"`
}

// SummaryCallbackKey is the callback key of a story's summary request.
func SummaryCallbackKey(storyID string) string { return "summary-" + storyID }

// GetLatestStories searches Hacker News, builds a content preview of every
// story concurrently and, unless disabled, asks the caller to summarize each
// preview through a callback exchange.
func GetLatestStories(ctx *workflow.Context, input json.RawMessage) (any, error) {
	var in StoriesInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.MaxStories <= 0 {
		in.MaxStories = defaultMaxStories
	}

	var found []activities.Story
	search := activities.HackerNewsSearchInput{Query: in.Query, MaxStories: in.MaxStories}
	if err := ctx.ExecuteActivity("hackernews.search", search, activityOptions(nwsTimeout)).Get(&found); err != nil {
		return nil, err
	}

	stories := make([]StoryResult, len(found))
	for i, s := range found {
		stories[i] = StoryResult{Story: s}
	}
	previews := make(map[string]string)
	ready := false
	ctx.SetQueryHandler("content_preview", func(json.RawMessage) (any, error) { return previews, nil })
	ctx.SetQueryHandler("final_result_ready", func(json.RawMessage) (any, error) { return ready, nil })
	ctx.SetQueryHandler("stories", func(json.RawMessage) (any, error) { return stories, nil })

	pending := len(stories)
	for i := range stories {
		story := &stories[i]
		ctx.Go(func(ctx *workflow.Context) {
			defer func() { pending-- }()
			preview := storyPreview(ctx, &story.Story)
			if !in.summarize() {
				story.ContentPreview = preview
				return
			}
			previews[story.ID] = preview
			story.Summary = requestSummary(ctx, &story.Story, preview)
			delete(previews, story.ID)
		})
	}
	ctx.Await(func() bool { return pending == 0 })
	ready = true
	return stories, nil
}

// storyPreview returns the page text of a story. It falls back to the story
// text and then to the raw page content.
func storyPreview(ctx *workflow.Context, story *activities.Story) string {
	text := strings.TrimSpace(story.StoryText)
	if story.URL == "" {
		return text
	}

	// Page fetches are bounded so one dead site cannot stall the run.
	opts := activityOptions(30 * time.Second)
	opts.RetryPolicy.MaximumAttempts = 3

	var page activities.FetchPageOutput
	if err := ctx.ExecuteActivity("page.fetch", activities.FetchPageInput{URL: story.URL}, opts).Get(&page); err != nil {
		ctx.Logger().Warn("fetch story page", "story_id", story.ID, "error", err)
		return text
	}
	var out activities.HTMLToTextOutput
	err := ctx.ExecuteActivity("html.to_text", activities.HTMLToTextInput{Content: page.Content, MaxChars: previewChars}, opts).Get(&out)
	if err == nil && strings.TrimSpace(out.Text) != "" {
		return out.Text
	}
	if text != "" {
		return text
	}
	return page.Content
}

func requestSummary(ctx *workflow.Context, story *activities.Story, preview string) string {
	req := SummaryRequest{
		StoryID:        story.ID,
		Title:          story.Title,
		URL:            story.URL,
		ContentPreview: preview,
		Instruction:    "Summarize this story in two or three sentences and reply with the summary text.",
	}
	var raw json.RawMessage
	err := ctx.RequestCallback(req, workflow.CallbackOptions{Key: SummaryCallbackKey(story.ID), Timeout: summaryTimeout}).Get(&raw)
	if err != nil {
		return SummaryUnavailable
	}
	if s := decodeSummary(raw); s != "" {
		return s
	}
	return SummaryUnavailable
}

// decodeSummary accepts a JSON string or an object with a summary field.
func decodeSummary(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.Summary)
	}
	return ""
}
