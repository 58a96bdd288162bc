// Package filter selects pending critical commands for listing.
package filter

import (
	"path/filepath"
	"time"

	"github.com/dyluth/groundlink/internal/critical"
)

// Criteria are ANDed together; zero values match everything.
type Criteria struct {
	Since     time.Time
	Until     time.Time
	Interface string // exact match
	Requester string // exact match
	// CommandGlob matches the formatted command text, e.g. `cmd("INST COLL*`.
	CommandGlob string
	Type        critical.Classification
}

// Matches reports whether pc satisfies every criterion.
func (c *Criteria) Matches(pc *critical.PendingCommand) bool {
	if !c.Since.IsZero() && pc.CreatedAt.Before(c.Since) {
		return false
	}
	if !c.Until.IsZero() && pc.CreatedAt.After(c.Until) {
		return false
	}
	if c.Interface != "" && pc.Interface != c.Interface {
		return false
	}
	if c.Requester != "" && pc.Requester != c.Requester {
		return false
	}
	if c.Type != "" && pc.Type != c.Type {
		return false
	}
	if c.CommandGlob != "" {
		matched, err := filepath.Match(c.CommandGlob, pc.Command)
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// Apply returns the commands matching c, preserving order.
func (c *Criteria) Apply(pending []*critical.PendingCommand) []*critical.PendingCommand {
	out := make([]*critical.PendingCommand, 0, len(pending))
	for _, pc := range pending {
		if c.Matches(pc) {
			out = append(out, pc)
		}
	}
	return out
}

// HasFilters reports whether any criterion is set.
func (c *Criteria) HasFilters() bool {
	return !c.Since.IsZero() || !c.Until.IsZero() ||
		c.Interface != "" || c.Requester != "" || c.CommandGlob != "" || c.Type != ""
}
