// Package tumblr fetches tagged posts from the Tumblr v2 API and maps
// them into the canonical Post representation.
package tumblr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"tagbot/internal/breaker"
	"tagbot/internal/model"
	"tagbot/internal/ratelimit"
)

const defaultBaseURL = "https://api.tumblr.com"

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches posts by tag, rate-limited and circuit-broken.
type Client struct {
	client  HTTPClient
	apiKey  string
	baseURL string
	limit   int
	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
	log     *slog.Logger
}

// New creates a Client. limiter and brk are shared across all tags; the
// fetch limit caps the number of posts requested per tag.
func New(client HTTPClient, apiKey string, limit int, limiter *ratelimit.Limiter, brk *breaker.Breaker, log *slog.Logger) *Client {
	if limit <= 0 {
		limit = 20
	}
	return &Client{
		client:  client,
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		limit:   limit,
		limiter: limiter,
		breaker: brk,
		log:     log,
	}
}

// SetBaseURL overrides the API base URL (useful for testing).
func (c *Client) SetBaseURL(u string) {
	c.baseURL = u
}

// PostsByTag returns recent posts carrying the given tag. Upstream
// failures (including an open circuit) are logged and surfaced as an
// empty list: callers treat "fetch failed" and "no posts" identically.
// The rate permit is acquired before entering the breaker: waiting for
// a permit is not an upstream call and must not feed its failure window.
func (c *Client) PostsByTag(ctx context.Context, tag string) []model.Post {
	if err := c.limiter.Acquire(ctx); err != nil {
		c.log.Warn("acquire rate permit", "tag", tag, "error", err)
		return nil
	}

	var posts []model.Post
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		posts, err = c.fetchTagged(ctx, tag)
		return err
	})
	if err != nil {
		c.log.Warn("fetch posts by tag", "tag", tag, "error", err)
		return nil
	}
	return posts
}

func (c *Client) fetchTagged(ctx context.Context, tag string) ([]model.Post, error) {
	q := url.Values{}
	q.Set("tag", tag)
	q.Set("api_key", c.apiKey)
	q.Set("limit", fmt.Sprintf("%d", c.limit))
	q.Set("filter", "text")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v2/tagged?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "TagTrackBot/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var raw taggedResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if raw.Meta.Status != http.StatusOK {
		return nil, fmt.Errorf("api status %d: %s", raw.Meta.Status, raw.Meta.Msg)
	}

	posts := make([]model.Post, 0, len(raw.Response))
	for _, rp := range raw.Response {
		post, ok := rp.toPost()
		if !ok {
			c.log.Warn("skipping post without id", "tag", tag, "blog", rp.BlogName)
			continue
		}
		posts = append(posts, post)
	}
	return posts, nil
}

type taggedResponse struct {
	Meta struct {
		Status int    `json:"status"`
		Msg    string `json:"msg"`
	} `json:"meta"`
	Response []rawPost `json:"response"`
}

type rawPost struct {
	Type      string   `json:"type"`
	IDString  string   `json:"id_string"`
	ID        int64    `json:"id"`
	BlogName  string   `json:"blog_name"`
	PostURL   string   `json:"post_url"`
	Timestamp int64    `json:"timestamp"`
	NoteCount int64    `json:"note_count"`
	Tags      []string `json:"tags"`

	Title       string `json:"title"`
	Body        string `json:"body"`
	Caption     string `json:"caption"`
	Summary     string `json:"summary"`
	Text        string `json:"text"`
	Source      string `json:"source"`
	Description string `json:"description"`
	URL         string `json:"url"`
	VideoURL    string `json:"video_url"`

	Photos []struct {
		OriginalSize struct {
			URL string `json:"url"`
		} `json:"original_size"`
	} `json:"photos"`
}

// toPost maps a wire post into the canonical representation. Posts
// without a usable ID are rejected.
func (rp *rawPost) toPost() (model.Post, bool) {
	id := rp.IDString
	if id == "" && rp.ID != 0 {
		id = fmt.Sprintf("%d", rp.ID)
	}
	if id == "" {
		return model.Post{}, false
	}

	post := model.Post{
		ID:        id,
		BlogName:  rp.BlogName,
		PostURL:   rp.PostURL,
		NoteCount: rp.NoteCount,
		Tags:      model.NormalizeTags(rp.Tags),
	}
	if rp.Timestamp > 0 {
		t := time.Unix(rp.Timestamp, 0).UTC()
		post.CreatedAt = &t
	}

	switch rp.Type {
	case "text":
		post.Summary = rp.Title
		post.Body = rp.Body
		post.PhotoURL = ExtractImageURL(rp.Body)
		post.VideoURL = ExtractVideoURL(rp.Body)
	case "photo":
		post.Summary = rp.Caption
		if len(rp.Photos) > 0 {
			post.PhotoURL = rp.Photos[0].OriginalSize.URL
		}
	case "quote":
		post.Summary = rp.Source
		post.Body = rp.Text
	case "link":
		post.Summary = rp.Title
		post.Body = rp.Description
	case "video":
		post.Summary = rp.Caption
		post.VideoURL = rp.VideoURL
	default:
		post.Summary = rp.Summary
	}
	if post.Summary == "" {
		post.Summary = rp.Summary
	}
	return post, true
}
