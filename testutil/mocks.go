package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// MockDiscordServer creates a test server that mocks Discord API responses.
type MockDiscordServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockDiscordServer creates a new mock Discord API server. Point a
// discordapi.Client at it via BaseURL.
func NewMockDiscordServer(t *testing.T) *MockDiscordServer {
	t.Helper()
	m := &MockDiscordServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockGuilds adds a handler for the guild listing endpoint.
func (m *MockDiscordServer) MockGuilds(guilds []map[string]string) {
	m.Handlers["/users/@me/guilds"] = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(guilds) //nolint:errcheck // test mock response
	}
}

// MockGuildChannels adds a handler for a guild's channel listing.
func (m *MockDiscordServer) MockGuildChannels(guildID string, channels []map[string]any) {
	m.Handlers["/guilds/"+guildID+"/channels"] = func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(channels) //nolint:errcheck // test mock response
	}
}

// SearchPage is one page of media search results served by MockSearchPages.
type SearchPage struct {
	Messages []map[string]any
	Cursor   string // cursor returned with this page; empty on the last page
}

// MockSearchPages serves paged search results: an empty request cursor returns
// the first page, a request cursor matching a page's cursor returns the next
// one, and anything past the end returns an empty page.
func (m *MockDiscordServer) MockSearchPages(path string, pages []SearchPage) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Tabs struct {
				Media struct {
					Cursor *struct {
						Timestamp string `json:"timestamp"`
					} `json:"cursor"`
				} `json:"media"`
			} `json:"tabs"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		idx := 0
		if req.Tabs.Media.Cursor != nil && req.Tabs.Media.Cursor.Timestamp != "" {
			idx = len(pages) // past the end unless a cursor matches
			for i, p := range pages {
				if p.Cursor == req.Tabs.Media.Cursor.Timestamp {
					idx = i + 1
					break
				}
			}
		}

		groups := [][]map[string]any{}
		cursor := ""
		if idx < len(pages) {
			for _, msg := range pages[idx].Messages {
				groups = append(groups, []map[string]any{msg})
			}
			cursor = pages[idx].Cursor
		}
		resp := map[string]any{
			"tabs": map[string]any{
				"media": map[string]any{
					"messages": groups,
					"cursor":   map[string]any{"timestamp": cursor},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp) //nolint:errcheck // test mock response
	}
}

// MockError serves a fixed status code on path.
func (m *MockDiscordServer) MockError(path string, status int) {
	m.Handlers[path] = func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"message": http.StatusText(status)}) //nolint:errcheck // test mock response
	}
}
