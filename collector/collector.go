// Package collector walks every guild and the DM history visible to the
// account, extracts attachment URLs from media search results, and upserts
// them into the record store. The crawl is sequential and resumable: each
// guild keeps a persisted search cursor that advances page by page.
package collector

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/sorrel-dev/discmedia/config"
	"github.com/sorrel-dev/discmedia/db"
	"github.com/sorrel-dev/discmedia/discordapi"
	"github.com/sorrel-dev/discmedia/telemetry"
)

// Stats summarizes one collector run.
type Stats struct {
	GuildsScanned  int
	GuildsFailed   int
	MessagesSeen   int
	MediaInserted  int
	MediaDuplicate int
	TotalMedia     int64
}

// Collector ties the API client, the record store, and run options together.
type Collector struct {
	DB     *sql.DB
	Client *discordapi.Client
	Cfg    *config.Config
}

func New(database *sql.DB, client *discordapi.Client, cfg *config.Config) *Collector {
	return &Collector{DB: database, Client: client, Cfg: cfg}
}

// Run executes one full crawl: account bookkeeping, guild discovery, channel
// discovery, per-guild media search, then the DM pass. A failing guild is
// logged and skipped; auth and store failures abort the run.
func (c *Collector) Run(ctx context.Context) (*Stats, error) {
	log := telemetry.LoggerWithCorr(ctx)
	stats := &Stats{}

	if err := db.UpsertAccount(ctx, c.DB, c.Cfg.UserID, c.Cfg.Username); err != nil {
		return nil, &StoreError{Op: "account upsert", Err: err}
	}
	if err := db.UpsertGuild(ctx, c.DB, db.DMGuildID, "DMs"); err != nil {
		return nil, &StoreError{Op: "dm guild upsert", Err: err}
	}

	log.Info("listing guilds")
	guilds, err := c.Client.ListGuilds(ctx)
	if err != nil {
		if discordapi.IsAuthError(err) {
			return nil, fmt.Errorf("authentication failed, token invalid: %w", err)
		}
		return nil, fmt.Errorf("list guilds: %w", err)
	}
	for _, g := range guilds {
		if err := db.UpsertGuild(ctx, c.DB, g.ID, g.Name); err != nil {
			return nil, &StoreError{Op: "guild upsert", Err: err}
		}
		log.Info("found guild", slog.String("guild_id", g.ID), slog.String("guild_name", g.Name))
	}

	if err := c.syncChannels(ctx); err != nil {
		return nil, err
	}

	stored, err := db.ListGuilds(ctx, c.DB)
	if err != nil {
		return nil, &StoreError{Op: "guild list", Err: err}
	}
	for _, g := range stored {
		search := func(sctx context.Context, cursor string) ([]discordapi.Message, string, error) {
			return c.Client.SearchGuildMedia(sctx, g.ID, cursor)
		}
		if err := c.scanGuild(ctx, g.ID, search, stats); err != nil {
			if ClassifyScanError(err) == ErrorClassFatal {
				return nil, err
			}
			stats.GuildsFailed++
			if telemetry.GuildsFailed != nil {
				telemetry.GuildsFailed.Inc()
			}
			log.Warn("guild scan failed, skipping", slog.String("guild_id", g.ID), slog.String("guild_name", g.Name), slog.Any("err", err))
			continue
		}
		stats.GuildsScanned++
		if telemetry.GuildsScanned != nil {
			telemetry.GuildsScanned.Inc()
		}
	}

	log.Info("scanning direct messages")
	if err := c.scanGuild(ctx, db.DMGuildID, c.Client.SearchDMMedia, stats); err != nil {
		if ClassifyScanError(err) == ErrorClassFatal {
			return nil, err
		}
		stats.GuildsFailed++
		log.Warn("dm scan failed", slog.Any("err", err))
	} else {
		stats.GuildsScanned++
	}

	total, err := db.CountMedia(ctx, c.DB)
	if err != nil {
		return nil, &StoreError{Op: "media count", Err: err}
	}
	stats.TotalMedia = total
	return stats, nil
}

// syncChannels refreshes the channel inventory of every known guild. Guilds the
// account can no longer see are removed; other fetch errors are logged and the
// guild keeps its previous channel rows.
func (c *Collector) syncChannels(ctx context.Context) error {
	log := telemetry.LoggerWithCorr(ctx)
	stored, err := db.ListGuilds(ctx, c.DB)
	if err != nil {
		return &StoreError{Op: "guild list", Err: err}
	}
	for _, g := range stored {
		channels, err := c.Client.ListGuildChannels(ctx, g.ID)
		if err != nil {
			if GuildGone(err) {
				log.Warn("guild inaccessible, removing", slog.String("guild_id", g.ID), slog.String("guild_name", g.Name))
				if rerr := db.RemoveGuild(ctx, c.DB, g.ID); rerr != nil {
					return &StoreError{Op: "guild remove", Err: rerr}
				}
				continue
			}
			log.Warn("channel listing failed", slog.String("guild_id", g.ID), slog.Any("err", err))
			continue
		}
		for _, ch := range channels {
			if ch.Type != 0 { // text channels only
				continue
			}
			if err := db.UpsertChannel(ctx, c.DB, ch.ID, ch.Name, g.ID, false, ch.NSFW); err != nil {
				return &StoreError{Op: "channel upsert", Err: err}
			}
		}
	}
	return nil
}

type searchFunc func(ctx context.Context, cursor string) ([]discordapi.Message, string, error)

// scanGuild pages oldest-first through a guild's media search results, storing
// every attachment and advancing the persisted cursor after each page.
func (c *Collector) scanGuild(ctx context.Context, guildID string, search searchFunc, stats *Stats) error {
	ctx, span := telemetry.StartSpan(ctx, "collector", "scan_guild", attribute.String("guild_id", guildID))
	defer span.End()

	cursor := ""
	if !c.Cfg.DeepScrape {
		var err error
		cursor, err = db.GuildCursor(ctx, c.DB, guildID)
		if err != nil {
			return &StoreError{Op: "cursor load", Err: err}
		}
	}

	for {
		var (
			msgs []discordapi.Message
			next string
			err  error
		)
		telemetry.TimeFunc(telemetry.SearchPageDuration, func() {
			msgs, next, err = search(ctx, cursor)
		})
		if err != nil {
			telemetry.RecordError(span, err)
			return fmt.Errorf("search guild %s: %w", guildID, err)
		}
		if len(msgs) == 0 {
			return nil
		}

		for _, m := range msgs {
			if err := c.processMessage(ctx, guildID, m, next, stats); err != nil {
				telemetry.RecordError(span, err)
				return err
			}
		}

		if next == "" {
			return nil
		}
		if err := db.SetGuildCursor(ctx, c.DB, guildID, next); err != nil {
			return &StoreError{Op: "cursor save", Err: err}
		}
		cursor = next

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.Cfg.PageDelay):
		}
	}
}

// processMessage stores the author, the DM channel when applicable, and one
// media record per attachment URL.
func (c *Collector) processMessage(ctx context.Context, guildID string, m discordapi.Message, searchTS string, stats *Stats) error {
	stats.MessagesSeen++
	if telemetry.MessagesSeen != nil {
		telemetry.MessagesSeen.Inc()
	}

	if m.Author.ID != "" {
		if err := db.UpsertUser(ctx, c.DB, m.Author.ID, m.Author.Username); err != nil {
			return &StoreError{Op: "user upsert", Err: err}
		}
	}
	if guildID == db.DMGuildID && m.ChannelID != "" {
		name := m.Author.Username + " DMs"
		if err := db.UpsertChannel(ctx, c.DB, m.ChannelID, name, db.DMGuildID, true, false); err != nil {
			return &StoreError{Op: "dm channel upsert", Err: err}
		}
	}

	postedAt, perr := time.Parse(time.RFC3339, m.Timestamp)
	if perr != nil {
		postedAt = time.Time{}
	}

	for _, a := range m.Attachments {
		if a.URL == "" {
			continue
		}
		inserted, err := db.InsertMedia(ctx, c.DB, db.MediaRecord{
			URL:         a.URL,
			FileID:      a.ID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
			Width:       a.Width,
			Height:      a.Height,
			UserID:      m.Author.ID,
			GuildID:     guildID,
			ChannelID:   m.ChannelID,
			MessageID:   m.ID,
			PostedAt:    postedAt,
			SearchTS:    searchTS,
		})
		if err != nil {
			return &StoreError{Op: "media insert", Err: err}
		}
		if inserted {
			stats.MediaInserted++
			if telemetry.MediaInserted != nil {
				telemetry.MediaInserted.Inc()
			}
		} else {
			stats.MediaDuplicate++
			if telemetry.MediaDuplicate != nil {
				telemetry.MediaDuplicate.Inc()
			}
		}
	}
	return nil
}
