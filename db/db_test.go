package db

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func setup(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := Migrate(context.Background(), database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := database.Exec(`TRUNCATE media, channels, users, guilds, accounts, kv`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return database
}

func TestMigrateIdempotent(t *testing.T) {
	database := setup(t)
	// Second run over an already-migrated schema must be a no-op.
	if err := Migrate(context.Background(), database); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestInsertMediaIdempotentOnURL(t *testing.T) {
	database := setup(t)
	ctx := context.Background()
	rec := MediaRecord{
		URL:       "https://cdn.example/a.png",
		FileID:    "f1",
		UserID:    "u1",
		GuildID:   "g1",
		ChannelID: "c1",
		PostedAt:  time.Now().UTC(),
	}
	inserted, err := InsertMedia(ctx, database, rec)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !inserted {
		t.Errorf("first insert reported duplicate")
	}

	rec.FileID = "f2" // same URL seen again from a different message
	inserted, err = InsertMedia(ctx, database, rec)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Errorf("second insert of same URL reported new row")
	}

	n, err := CountMedia(ctx, database)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("CountMedia = %d, want 1", n)
	}
}

func TestGuildCursorRoundTrip(t *testing.T) {
	database := setup(t)
	ctx := context.Background()
	if err := UpsertGuild(ctx, database, "g1", "Guild One"); err != nil {
		t.Fatalf("upsert guild: %v", err)
	}
	cursor, err := GuildCursor(ctx, database, "g1")
	if err != nil {
		t.Fatalf("cursor before set: %v", err)
	}
	if cursor != "" {
		t.Errorf("fresh guild cursor = %q, want empty", cursor)
	}
	if err := SetGuildCursor(ctx, database, "g1", "ts-42"); err != nil {
		t.Fatalf("set cursor: %v", err)
	}
	cursor, err = GuildCursor(ctx, database, "g1")
	if err != nil {
		t.Fatalf("cursor after set: %v", err)
	}
	if cursor != "ts-42" {
		t.Errorf("cursor = %q, want ts-42", cursor)
	}

	// Renaming the guild must not clobber the cursor.
	if err := UpsertGuild(ctx, database, "g1", "Renamed"); err != nil {
		t.Fatalf("rename guild: %v", err)
	}
	cursor, _ = GuildCursor(ctx, database, "g1")
	if cursor != "ts-42" {
		t.Errorf("cursor after rename = %q, want ts-42", cursor)
	}
}

func TestListGuildsExcludesDMRow(t *testing.T) {
	database := setup(t)
	ctx := context.Background()
	if err := UpsertGuild(ctx, database, DMGuildID, "DMs"); err != nil {
		t.Fatalf("upsert dm guild: %v", err)
	}
	if err := UpsertGuild(ctx, database, "g1", "Guild One"); err != nil {
		t.Fatalf("upsert guild: %v", err)
	}
	guilds, err := ListGuilds(ctx, database)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(guilds) != 1 || guilds[0].ID != "g1" {
		t.Errorf("ListGuilds = %+v, want only g1", guilds)
	}
}

func TestRemoveGuildCascadesChannels(t *testing.T) {
	database := setup(t)
	ctx := context.Background()
	if err := UpsertGuild(ctx, database, "g1", "Guild One"); err != nil {
		t.Fatalf("upsert guild: %v", err)
	}
	if err := UpsertChannel(ctx, database, "c1", "general", "g1", false, false); err != nil {
		t.Fatalf("upsert channel: %v", err)
	}
	if err := RemoveGuild(ctx, database, "g1"); err != nil {
		t.Fatalf("remove guild: %v", err)
	}
	var n int
	if err := database.QueryRowContext(ctx, `SELECT COUNT(*) FROM channels WHERE guild_id='g1'`).Scan(&n); err != nil {
		t.Fatalf("count channels: %v", err)
	}
	if n != 0 {
		t.Errorf("channels remaining after guild removal: %d", n)
	}
}
