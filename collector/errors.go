package collector

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sorrel-dev/discmedia/discordapi"
)

// ErrorClass represents how a collection error should be handled.
type ErrorClass int

const (
	// ErrorClassFatal aborts the whole run (bad credentials, broken store).
	ErrorClassFatal ErrorClass = iota
	// ErrorClassRecoverable skips the current guild and continues.
	ErrorClassRecoverable
)

// String returns a human-readable name for the error class.
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorClassFatal:
		return "fatal"
	case ErrorClassRecoverable:
		return "recoverable"
	default:
		return "unknown"
	}
}

// StoreError marks a failed write to the record store. Store failures are fatal
// for the active flow: continuing would silently drop records.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// GuildGone reports whether a guild-scoped fetch failed because the account
// lost access (403) or the guild disappeared (404). Such guilds are removed
// from the walk rather than retried forever.
func GuildGone(err error) bool {
	return discordapi.IsAuthError(err) || discordapi.IsNotFound(err)
}

// ClassifyScanError decides whether an error from a guild scan should abort the
// run. Auth failures inside a single guild mean lost access, not bad
// credentials, so only store errors and token-level failures are fatal here.
func ClassifyScanError(err error) ErrorClass {
	if err == nil {
		return ErrorClassRecoverable
	}
	var se *StoreError
	if errors.As(err, &se) {
		return ErrorClassFatal
	}
	if strings.Contains(strings.ToLower(err.Error()), "token invalid") {
		return ErrorClassFatal
	}
	return ErrorClassRecoverable
}
