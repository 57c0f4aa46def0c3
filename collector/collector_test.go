package collector

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sorrel-dev/discmedia/config"
	"github.com/sorrel-dev/discmedia/db"
	"github.com/sorrel-dev/discmedia/discordapi"
	"github.com/sorrel-dev/discmedia/testutil"
)

func testConfig() *config.Config {
	return &config.Config{
		Token:     "test-token",
		UserID:    "acct-1",
		Username:  "collector-account",
		PageSize:  25,
		PageDelay: time.Millisecond,
	}
}

func message(id, userID, username, url string) map[string]any {
	return map[string]any{
		"id":         id,
		"channel_id": "chan-" + id,
		"timestamp":  "2024-01-01T10:00:00+00:00",
		"author":     map[string]string{"id": userID, "username": username},
		"attachments": []map[string]any{
			{"id": "f-" + id, "url": url, "filename": "f.png", "content_type": "image/png", "size": 42},
		},
	}
}

func TestRunCollectsAndIsIdempotent(t *testing.T) {
	database := testutil.SetupTestDB(t)
	srv := testutil.NewMockDiscordServer(t)
	srv.MockGuilds([]map[string]string{{"id": "g1", "name": "Guild One"}})
	srv.MockGuildChannels("g1", []map[string]any{
		{"id": "c1", "name": "general", "type": 0},
		{"id": "c2", "name": "voice", "type": 2},
	})
	srv.MockSearchPages("/guilds/g1/messages/search/tabs", []testutil.SearchPage{
		{Messages: []map[string]any{message("m1", "u1", "alice", "https://cdn.example/a.png")}, Cursor: "ts-1"},
		{Messages: []map[string]any{message("m2", "u2", "bob", "https://cdn.example/b.png")}, Cursor: ""},
	})
	srv.MockSearchPages("/users/@me/messages/search/tabs", []testutil.SearchPage{
		{Messages: []map[string]any{message("m3", "u3", "carol", "https://cdn.example/c.png")}, Cursor: ""},
	})

	client := &discordapi.Client{Token: "test-token", BaseURL: srv.URL}
	ctx := context.Background()

	stats, err := New(database, client, testConfig()).Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if stats.MediaInserted != 3 {
		t.Errorf("MediaInserted = %d, want 3", stats.MediaInserted)
	}
	if stats.TotalMedia != 3 {
		t.Errorf("TotalMedia = %d, want 3", stats.TotalMedia)
	}
	if stats.GuildsScanned != 2 { // g1 + DMs
		t.Errorf("GuildsScanned = %d, want 2", stats.GuildsScanned)
	}

	// A deep re-run over unchanged history must not duplicate records.
	cfg := testConfig()
	cfg.DeepScrape = true
	stats, err = New(database, client, cfg).Run(ctx)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if stats.MediaInserted != 0 {
		t.Errorf("second run MediaInserted = %d, want 0", stats.MediaInserted)
	}
	if stats.MediaDuplicate != 3 {
		t.Errorf("second run MediaDuplicate = %d, want 3", stats.MediaDuplicate)
	}
	if stats.TotalMedia != 3 {
		t.Errorf("second run TotalMedia = %d, want 3", stats.TotalMedia)
	}
}

func TestRunResumesFromCursor(t *testing.T) {
	database := testutil.SetupTestDB(t)
	srv := testutil.NewMockDiscordServer(t)
	srv.MockGuilds([]map[string]string{{"id": "g1", "name": "Guild One"}})
	srv.MockGuildChannels("g1", []map[string]any{{"id": "c1", "name": "general", "type": 0}})
	srv.MockSearchPages("/guilds/g1/messages/search/tabs", []testutil.SearchPage{
		{Messages: []map[string]any{message("m1", "u1", "alice", "https://cdn.example/a.png")}, Cursor: "ts-1"},
		{Messages: []map[string]any{message("m2", "u1", "alice", "https://cdn.example/b.png")}, Cursor: ""},
	})
	srv.MockSearchPages("/users/@me/messages/search/tabs", nil)

	client := &discordapi.Client{Token: "test-token", BaseURL: srv.URL}
	ctx := context.Background()

	if _, err := New(database, client, testConfig()).Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	cursor, err := db.GuildCursor(ctx, database, "g1")
	if err != nil {
		t.Fatalf("GuildCursor() error = %v", err)
	}
	if cursor != "ts-1" {
		t.Errorf("persisted cursor = %q, want ts-1", cursor)
	}
}

func TestRunSkipsFailingGuild(t *testing.T) {
	database := testutil.SetupTestDB(t)
	srv := testutil.NewMockDiscordServer(t)
	srv.MockGuilds([]map[string]string{
		{"id": "g1", "name": "Good"},
		{"id": "g2", "name": "Broken"},
	})
	srv.MockGuildChannels("g1", []map[string]any{{"id": "c1", "name": "general", "type": 0}})
	srv.MockGuildChannels("g2", []map[string]any{{"id": "c2", "name": "general", "type": 0}})
	srv.MockSearchPages("/guilds/g1/messages/search/tabs", []testutil.SearchPage{
		{Messages: []map[string]any{message("m1", "u1", "alice", "https://cdn.example/a.png")}, Cursor: ""},
	})
	srv.MockError("/guilds/g2/messages/search/tabs", 403)
	srv.MockSearchPages("/users/@me/messages/search/tabs", nil)

	client := &discordapi.Client{Token: "test-token", BaseURL: srv.URL}
	stats, err := New(database, client, testConfig()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v, want skip-and-continue", err)
	}
	if stats.GuildsFailed != 1 {
		t.Errorf("GuildsFailed = %d, want 1", stats.GuildsFailed)
	}
	if stats.MediaInserted != 1 {
		t.Errorf("MediaInserted = %d, want 1", stats.MediaInserted)
	}
}

func TestRunRemovesInaccessibleGuild(t *testing.T) {
	database := testutil.SetupTestDB(t)
	srv := testutil.NewMockDiscordServer(t)
	srv.MockGuilds([]map[string]string{
		{"id": "g1", "name": "Good"},
		{"id": "g2", "name": "Gone"},
	})
	srv.MockGuildChannels("g1", []map[string]any{{"id": "c1", "name": "general", "type": 0}})
	srv.MockError("/guilds/g2/channels", 404)
	srv.MockSearchPages("/guilds/g1/messages/search/tabs", nil)
	srv.MockSearchPages("/users/@me/messages/search/tabs", nil)

	client := &discordapi.Client{Token: "test-token", BaseURL: srv.URL}
	ctx := context.Background()
	if _, err := New(database, client, testConfig()).Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	guilds, err := db.ListGuilds(ctx, database)
	if err != nil {
		t.Fatalf("ListGuilds() error = %v", err)
	}
	if len(guilds) != 1 || guilds[0].ID != "g1" {
		t.Errorf("stored guilds = %+v, want only g1", guilds)
	}
}

func TestRunAuthFailureIsFatal(t *testing.T) {
	database := testutil.SetupTestDB(t)
	srv := testutil.NewMockDiscordServer(t)
	srv.MockError("/users/@me/guilds", 401)

	client := &discordapi.Client{Token: "bad-token", BaseURL: srv.URL}
	_, err := New(database, client, testConfig()).Run(context.Background())
	if err == nil {
		t.Fatalf("expected fatal error on auth failure")
	}
	if !strings.Contains(err.Error(), "authentication failed") {
		t.Errorf("error = %v, want authentication diagnostic", err)
	}
	if !discordapi.IsAuthError(err) {
		t.Errorf("IsAuthError(%v) = false, want true", err)
	}
}
