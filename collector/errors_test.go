package collector

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/sorrel-dev/discmedia/discordapi"
)

func TestClassifyScanError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{
			name: "nil is recoverable",
			err:  nil,
			want: ErrorClassRecoverable,
		},
		{
			name: "store error is fatal",
			err:  &StoreError{Op: "media insert", Err: errors.New("connection refused")},
			want: ErrorClassFatal,
		},
		{
			name: "wrapped store error is fatal",
			err:  fmt.Errorf("search guild g1: %w", &StoreError{Op: "cursor save", Err: errors.New("disk full")}),
			want: ErrorClassFatal,
		},
		{
			name: "token failure is fatal",
			err:  errors.New("authentication failed, token invalid: status 401"),
			want: ErrorClassFatal,
		},
		{
			name: "guild fetch error is recoverable",
			err:  &discordapi.APIError{Status: http.StatusForbidden, Path: "/guilds/g1/messages/search/tabs"},
			want: ErrorClassRecoverable,
		},
		{
			name: "server error is recoverable",
			err:  &discordapi.APIError{Status: http.StatusBadGateway, Path: "/guilds/g1/messages/search/tabs"},
			want: ErrorClassRecoverable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyScanError(tt.err); got != tt.want {
				t.Errorf("ClassifyScanError() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestGuildGone(t *testing.T) {
	if !GuildGone(&discordapi.APIError{Status: http.StatusForbidden}) {
		t.Errorf("403 should count as gone")
	}
	if !GuildGone(&discordapi.APIError{Status: http.StatusNotFound}) {
		t.Errorf("404 should count as gone")
	}
	if GuildGone(&discordapi.APIError{Status: http.StatusBadGateway}) {
		t.Errorf("502 should not count as gone")
	}
	if GuildGone(errors.New("network unreachable")) {
		t.Errorf("plain network error should not count as gone")
	}
}
