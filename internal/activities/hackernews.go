package activities

import (
	"context"
	"encoding/json"
	"net/url"
	"strconv"

	"github.com/rendis/duratool/internal/expressions"
)

// DefaultAlgoliaSearchURL is the Hacker News search-by-date endpoint.
const DefaultAlgoliaSearchURL = "https://hn.algolia.com/api/v1/search_by_date"

// storyProjection reshapes Algolia hits into Story objects.
const storyProjection = `[.hits[]? | {
  id: .objectID,
  title: (.title // ""),
  url: (.url // ""),
  points: (.points // 0),
  author: (.author // ""),
  created_at: (.created_at // ""),
  num_comments: (.num_comments // 0),
  story_text: (.story_text // "")
}]`

// Story is one Hacker News story as returned by hackernews.search.
type Story struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url,omitempty"`
	Points      int    `json:"points"`
	Author      string `json:"author"`
	CreatedAt   string `json:"created_at"`
	NumComments int    `json:"num_comments"`
	StoryText   string `json:"story_text,omitempty"`
	Summary     string `json:"summary,omitempty"`
}

// HackerNewsSearchInput is the input of hackernews.search.
type HackerNewsSearchInput struct {
	Query       string `json:"query,omitempty"`
	HitsPerPage int    `json:"hits_per_page,omitempty"`
	Page        int    `json:"page,omitempty"`
	// MaxStories truncates the projected result. Zero keeps every hit.
	MaxStories int `json:"max_stories,omitempty"`
}

// HackerNewsSearch implements "hackernews.search" over the Algolia API.
type HackerNewsSearch struct {
	fetcher httpFetcher
	baseURL string
	jq      *expressions.JQ
}

// NewHackerNewsSearch creates the activity. An empty baseURL uses DefaultAlgoliaSearchURL.
func NewHackerNewsSearch(cfg HTTPConfig, baseURL string, jq *expressions.JQ) *HackerNewsSearch {
	if baseURL == "" {
		baseURL = DefaultAlgoliaSearchURL
	}
	if jq == nil {
		jq = expressions.NewJQ()
	}
	return &HackerNewsSearch{fetcher: httpFetcher{config: cfg.withDefaults()}, baseURL: baseURL, jq: jq}
}

func (a *HackerNewsSearch) Name() string { return "hackernews.search" }
func (a *HackerNewsSearch) Description() string {
	return "Search the latest Hacker News stories with points, optionally filtered by a query."
}

func (a *HackerNewsSearch) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var in HackerNewsSearchInput
	if err := decodeInput(a.Name(), input, &in); err != nil {
		return nil, err
	}
	if in.HitsPerPage <= 0 {
		in.HitsPerPage = 100
	}

	params := url.Values{}
	params.Set("tags", "story")
	params.Set("numericFilters", "points>0")
	params.Set("hitsPerPage", strconv.Itoa(in.HitsPerPage))
	params.Set("page", strconv.Itoa(in.Page))
	if in.Query != "" {
		params.Set("query", in.Query)
	}

	res, err := a.fetcher.get(ctx, a.Name(), a.baseURL+"?"+params.Encode(), map[string]string{"Accept": "application/json"}, 0)
	if err != nil {
		return nil, err
	}
	projected, err := a.jq.EvaluateJSON(ctx, storyProjection, res.Body)
	if err != nil {
		return nil, &Error{Kind: KindInvalidOutput, Message: a.Name() + ": " + err.Error()}
	}

	var stories []Story
	if err := json.Unmarshal(projected, &stories); err != nil {
		return nil, &Error{Kind: KindInvalidOutput, Message: a.Name() + ": " + err.Error()}
	}
	if stories == nil {
		stories = []Story{}
	}
	if in.MaxStories > 0 && len(stories) > in.MaxStories {
		stories = stories[:in.MaxStories]
	}
	return encodeOutput(a.Name(), stories)
}
