// Package exporter turns the record store into a plain-text URL list for the
// external downloader: one URL per line, grouped by origin user with a
// "=== name (id)" header per group, deterministic across runs. No network
// access happens here.
package exporter

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/sorrel-dev/discmedia/config"
	"github.com/sorrel-dev/discmedia/telemetry"
)

// ErrEmptyStore is returned instead of silently writing an empty file.
var ErrEmptyStore = errors.New("record store contains no media matching the filters")

// RefreshHost serves non-expired copies of attachment URLs whose CDN signature
// has lapsed.
const RefreshHost = "fixcdn.hyonsu.com"

// Options narrows and shapes the export.
type Options struct {
	GuildID     string
	ChannelID   string
	UserID      string
	ContentType string
	DMOnly      bool
	NSFWOnly    bool
	FixCDN      bool
	Now         time.Time // zero means time.Now(), fixed in tests
}

// OptionsFromConfig builds export options from the environment-backed config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		GuildID:     cfg.ExportGuildID,
		ChannelID:   cfg.ExportChannelID,
		UserID:      cfg.ExportUserID,
		ContentType: cfg.ExportContentType,
		DMOnly:      cfg.ExportDMOnly,
		NSFWOnly:    cfg.ExportNSFWOnly,
		FixCDN:      cfg.ExportFixCDN,
	}
}

// Row is one exportable media record with its origin context resolved.
type Row struct {
	URL      string
	UserID   string
	Username string
	PostedAt time.Time
}

// Query reads matching media rows ordered for deterministic output:
// by user id, then posted_at, then URL.
func Query(ctx context.Context, database *sql.DB, opts Options) ([]Row, error) {
	q := `SELECT m.url, COALESCE(m.user_id,''), COALESCE(u.name,''), COALESCE(m.posted_at, 'epoch'::timestamptz)
		FROM media m
		LEFT JOIN users u ON u.id = m.user_id
		LEFT JOIN channels c ON c.id = m.channel_id
		WHERE 1=1`
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		q += fmt.Sprintf(" AND %s$%d", clause, n)
		args = append(args, v)
	}
	if opts.GuildID != "" {
		add("m.guild_id = ", opts.GuildID)
	}
	if opts.ChannelID != "" {
		add("m.channel_id = ", opts.ChannelID)
	}
	if opts.UserID != "" {
		add("m.user_id = ", opts.UserID)
	}
	if opts.ContentType != "" {
		add("m.content_type = ", opts.ContentType)
	}
	if opts.DMOnly {
		q += " AND c.is_dm"
	}
	if opts.NSFWOnly {
		q += " AND c.is_nsfw"
	}
	q += " ORDER BY m.user_id, m.posted_at, m.url"

	rows, err := database.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query media: %w", err)
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.URL, &r.UserID, &r.Username, &r.PostedAt); err != nil {
			return nil, fmt.Errorf("scan media row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Write emits the URL list: a header per origin user, one URL per line, no
// blank lines, duplicates dropped. Rows must already be ordered as Query
// orders them.
func Write(w io.Writer, rows []Row, opts Options) error {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	bw := bufio.NewWriter(w)
	seen := make(map[string]struct{}, len(rows))
	currentUser := ""
	first := true
	for _, r := range rows {
		if _, dup := seen[r.URL]; dup {
			continue
		}
		seen[r.URL] = struct{}{}
		if first || r.UserID != currentUser {
			name := r.Username
			if name == "" {
				name = "unknown"
			}
			if _, err := fmt.Fprintf(bw, "=== %s (%s)\n", name, r.UserID); err != nil {
				return err
			}
			currentUser = r.UserID
			first = false
		}
		line := r.URL
		if opts.FixCDN {
			line = RefreshExpired(line, now)
		}
		if _, err := fmt.Fprintln(bw, line); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Export queries the store and writes the list to path. An empty result is an
// error: a silent empty file would look like a finished download queue.
func Export(ctx context.Context, database *sql.DB, path string, opts Options) error {
	ctx, span := telemetry.StartSpan(ctx, "exporter", "export")
	defer span.End()

	rows, err := Query(ctx, database, opts)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if len(rows) == 0 {
		telemetry.RecordError(span, ErrEmptyStore)
		return ErrEmptyStore
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	if err := Write(f, rows, opts); err != nil {
		_ = f.Close()
		return fmt.Errorf("write output file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close output file: %w", err)
	}
	telemetry.LoggerWithCorr(ctx).Info("export written",
		slog.String("path", path), slog.Int("urls", len(rows)))
	return nil
}

// RefreshExpired rewrites an attachment URL onto the refresh host when its CDN
// signature has expired. Discord encodes the expiry as a hex unix timestamp in
// the "ex" query parameter; URLs without one pass through untouched.
func RefreshExpired(raw string, now time.Time) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	ex := u.Query().Get("ex")
	if ex == "" {
		return raw
	}
	sec, err := strconv.ParseInt(ex, 16, 64)
	if err != nil {
		return raw
	}
	if time.Unix(sec, 0).After(now) {
		return raw
	}
	u.Host = RefreshHost
	return u.String()
}
