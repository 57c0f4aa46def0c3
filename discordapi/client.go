// Package discordapi contains minimal helpers to interact with the Discord REST
// API for guild/channel discovery and paged media search, using a user token.
package discordapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/sorrel-dev/discmedia/telemetry"
)

// DefaultBaseURL is the production Discord API root.
const DefaultBaseURL = "https://discord.com/api/v9"

const maxAttempts = 4

// var so tests can shrink the wait
var retryBackoffBase = 2 * time.Second

// Client provides the small slice of the Discord API the collector needs.
// The zero-value fields fall back to production defaults; BaseURL and
// HTTPClient exist so tests can point at a local server.
type Client struct {
	Token      string
	BaseURL    string
	HTTPClient *http.Client
	PageSize   int
}

// Guild is a server the account belongs to.
type Guild struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Channel is a channel inside a guild. Type 0 is a text channel.
type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type int    `json:"type"`
	NSFW bool   `json:"nsfw"`
}

// Author is the posting user of a message.
type Author struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Attachment is one uploaded file on a message.
type Attachment struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Width       int64  `json:"width"`
	Height      int64  `json:"height"`
}

// Message is a search hit carrying attachments.
type Message struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channel_id"`
	Timestamp   string       `json:"timestamp"`
	Author      Author       `json:"author"`
	Attachments []Attachment `json:"attachments"`
}

// APIError is a non-2xx response from Discord.
type APIError struct {
	Status int
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api %s: status %d: %s", e.Path, e.Status, e.Body)
}

func asAPIError(err error, target **APIError) bool { return errors.As(err, target) }

// IsAuthError reports whether err is a 401/403 from the API, which means the
// token is invalid or lacks access.
func IsAuthError(err error) bool {
	var ae *APIError
	if !asAPIError(err, &ae) {
		return false
	}
	return ae.Status == http.StatusUnauthorized || ae.Status == http.StatusForbidden
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var ae *APIError
	if !asAPIError(err, &ae) {
		return false
	}
	return ae.Status == http.StatusNotFound
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return DefaultBaseURL
}

func (c *Client) pageSize() int {
	if c.PageSize > 0 {
		return c.PageSize
	}
	return 25
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", c.Token)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// ListGuilds returns all guilds visible to the account.
func (c *Client) ListGuilds(ctx context.Context) ([]Guild, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/users/@me/guilds", nil)
	if err != nil {
		return nil, err
	}
	var out []Guild
	if err := c.do(req, "/users/@me/guilds", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListGuildChannels returns all channels of a guild; callers filter on Type.
func (c *Client) ListGuildChannels(ctx context.Context, guildID string) ([]Channel, error) {
	if guildID == "" {
		return nil, fmt.Errorf("guildID empty")
	}
	path := "/guilds/" + guildID + "/channels"
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var out []Channel
	if err := c.do(req, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SearchGuildMedia fetches one page of media-bearing messages from a guild,
// oldest first, starting after cursor (empty = from the beginning). It returns
// the messages and the cursor for the next page; an empty cursor with no
// messages means the history is exhausted.
func (c *Client) SearchGuildMedia(ctx context.Context, guildID, cursor string) ([]Message, string, error) {
	if guildID == "" {
		return nil, "", fmt.Errorf("guildID empty")
	}
	return c.searchMedia(ctx, "/guilds/"+guildID+"/messages/search/tabs", cursor)
}

// SearchDMMedia is SearchGuildMedia over the account's direct messages.
func (c *Client) SearchDMMedia(ctx context.Context, cursor string) ([]Message, string, error) {
	return c.searchMedia(ctx, "/users/@me/messages/search/tabs", cursor)
}

type searchCursor struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
}

type searchTab struct {
	SortBy    string        `json:"sort_by"`
	SortOrder string        `json:"sort_order"`
	Has       []string      `json:"has"`
	Cursor    *searchCursor `json:"cursor"`
	Limit     int           `json:"limit"`
}

type searchRequest struct {
	IncludeNSFW bool `json:"include_nsfw"`
	Tabs        struct {
		Media searchTab `json:"media"`
	} `json:"tabs"`
	TrackExactTotalHits bool `json:"track_exact_total_hits"`
}

type searchResponse struct {
	// Set on rate-limit responses delivered with a JSON body.
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`

	Tabs struct {
		Media struct {
			// Each hit is a one-element group around the matched message.
			Messages [][]Message `json:"messages"`
			Cursor   struct {
				Timestamp string `json:"timestamp"`
			} `json:"cursor"`
		} `json:"media"`
	} `json:"tabs"`
}

func (c *Client) searchMedia(ctx context.Context, path, cursor string) ([]Message, string, error) {
	reqBody := searchRequest{IncludeNSFW: true, TrackExactTotalHits: true}
	reqBody.Tabs.Media = searchTab{
		SortBy:    "timestamp",
		SortOrder: "asc",
		Has:       []string{"image", "video"},
		Limit:     c.pageSize(),
	}
	if cursor != "" {
		reqBody.Tabs.Media.Cursor = &searchCursor{Timestamp: cursor, Type: "timestamp"}
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, "", err
	}

	var body searchResponse
	if err := c.doWithRetry(ctx, path, payload, &body); err != nil {
		return nil, "", err
	}

	groups := body.Tabs.Media.Messages
	out := make([]Message, 0, len(groups))
	for _, g := range groups {
		if len(g) == 0 {
			continue
		}
		out = append(out, g[0])
	}
	if len(out) == 0 {
		return nil, "", nil
	}
	return out, body.Tabs.Media.Cursor.Timestamp, nil
}

// doWithRetry posts a search payload with bounded retries: 429 responses honor
// retry_after (scaled 1.2x), transient 5xx back off exponentially.
func (c *Client) doWithRetry(ctx context.Context, path string, payload []byte, out *searchResponse) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, err := c.newRequest(ctx, http.MethodPost, path, payload)
		if err != nil {
			return err
		}
		telemetry.IncAPIRequest()
		resp, err := c.http().Do(req)
		if err != nil {
			lastErr = err
			if werr := sleepCtx(ctx, backoff(attempt)); werr != nil {
				return werr
			}
			continue
		}
		raw, readErr := io.ReadAll(resp.Body)
		closeBody(resp)
		if readErr != nil {
			return readErr
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			telemetry.IncRateLimitHit()
			wait := retryAfter(resp, raw)
			slog.Warn("rate limited by discord", slog.String("path", path), slog.Duration("wait", wait))
			lastErr = &APIError{Status: resp.StatusCode, Path: path, Body: trimBody(raw)}
			if werr := sleepCtx(ctx, wait); werr != nil {
				return werr
			}
			continue
		case resp.StatusCode >= 500:
			lastErr = &APIError{Status: resp.StatusCode, Path: path, Body: trimBody(raw)}
			if werr := sleepCtx(ctx, backoff(attempt)); werr != nil {
				return werr
			}
			continue
		case resp.StatusCode != http.StatusOK:
			return &APIError{Status: resp.StatusCode, Path: path, Body: trimBody(raw)}
		}

		*out = searchResponse{}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode search response: %w", err)
		}
		// Some rate limits arrive as 200s with a message body.
		if out.Message != "" && out.RetryAfter > 0 {
			telemetry.IncRateLimitHit()
			wait := time.Duration(out.RetryAfter*1.2*1000) * time.Millisecond
			slog.Warn("rate limited by discord", slog.String("path", path), slog.Duration("wait", wait))
			lastErr = fmt.Errorf("rate limited: %s", out.Message)
			if werr := sleepCtx(ctx, wait); werr != nil {
				return werr
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("search %s failed after %d attempts: %w", path, maxAttempts, lastErr)
}

// do performs a GET-style request and decodes a 2xx JSON body into out.
func (c *Client) do(req *http.Request, path string, out any) error {
	telemetry.IncAPIRequest()
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return &APIError{Status: resp.StatusCode, Path: path, Body: trimBody(raw)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

func retryAfter(resp *http.Response, raw []byte) time.Duration {
	var body struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.RetryAfter > 0 {
		return time.Duration(body.RetryAfter*1.2*1000) * time.Millisecond
	}
	if s := resp.Header.Get("Retry-After"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return 5 * time.Second
}

func backoff(attempt int) time.Duration {
	return retryBackoffBase * time.Duration(1<<attempt)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func trimBody(raw []byte) string {
	const max = 256
	if len(raw) > max {
		raw = raw[:max]
	}
	return string(raw)
}
