package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dyluth/groundlink/internal/critical"
)

// MinShortIDLength is the minimum required length for short ID prefixes.
const MinShortIDLength = 6

// ResolveCriticalID resolves a short prefix of a pending critical command id
// to the full id. Operators read ids off a terminal; typing all 36
// characters to approve a command is error prone.
//
// A full UUID is checked for existence and returned as-is. Shorter inputs
// must be at least MinShortIDLength characters and match exactly one id.
func ResolveCriticalID(ctx context.Context, ledger critical.Ledger, shortID string) (string, error) {
	if len(shortID) == 36 && strings.Count(shortID, "-") == 4 {
		if _, err := ledger.Get(ctx, shortID); err != nil {
			if errors.Is(err, critical.ErrNotFound) {
				return "", &NotFoundError{ShortID: shortID}
			}
			return "", fmt.Errorf("failed to verify critical command: %w", err)
		}
		return shortID, nil
	}

	if len(shortID) < MinShortIDLength {
		return "", fmt.Errorf("short ID must be at least %d characters (got %d)", MinShortIDLength, len(shortID))
	}

	matches, err := ledger.IDsWithPrefix(ctx, shortID)
	if err != nil {
		return "", fmt.Errorf("failed to search for critical command: %w", err)
	}

	switch len(matches) {
	case 0:
		return "", &NotFoundError{ShortID: shortID}
	case 1:
		return matches[0], nil
	default:
		return "", &AmbiguousError{ShortID: shortID, Matches: matches}
	}
}

// NotFoundError indicates no pending command matched the short ID.
type NotFoundError struct {
	ShortID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no pending critical commands match '%s'", e.ShortID)
}

// AmbiguousError indicates several pending commands matched the short ID.
type AmbiguousError struct {
	ShortID string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous short ID '%s' matches %d critical commands", e.ShortID, len(e.Matches))
}

// FormatAmbiguousError lists up to 10 matching ids for the operator.
func FormatAmbiguousError(err *AmbiguousError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ambiguous short ID '%s' matches %d critical commands:\n", err.ShortID, len(err.Matches))

	shown := err.Matches
	if len(shown) > 10 {
		shown = shown[:10]
	}
	for _, id := range shown {
		fmt.Fprintf(&b, "  %s\n", id)
	}
	if len(err.Matches) > 10 {
		fmt.Fprintf(&b, "  ...and %d more\n", len(err.Matches)-10)
	}

	b.WriteString("\nUse a longer prefix to pick one.")
	return b.String()
}
