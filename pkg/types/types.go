package types

import (
	"time"
)

type EdgeID string
type ContentID string
type CategoryID string

// ContentItem is a single published piece of site content. Items created
// locally have no provenance fields; items imported over a follow edge carry
// the origin site, the import time, and whether the delivery was real-time.
type ContentItem struct {
	ID                ContentID         `json:"id"`
	Name              string            `json:"name"`
	CategoryID        CategoryID        `json:"category_id"`
	ContentLocator    string            `json:"content_locator"`
	ThumbnailLocator  string            `json:"thumbnail_locator,omitempty"`
	Tags              []string          `json:"tags,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	FederatedFrom     string            `json:"federated_from,omitempty"`
	FederatedAt       time.Time         `json:"federated_at,omitempty"`
	FederatedRealtime bool              `json:"federated_realtime,omitempty"`
}

// IsOriginal reports whether the item was produced by the site holding it
// rather than imported from a followed site.
func (c ContentItem) IsOriginal() bool {
	return c.FederatedFrom == ""
}

// FollowEdge is a directed subscription from the local site to a target site.
// Recursive edges accept everything the target holds; non-recursive edges
// accept only the target's original content.
type FollowEdge struct {
	ID          EdgeID    `json:"id"`
	Target      string    `json:"target"`
	DisplayName string    `json:"display_name,omitempty"`
	Recursive   bool      `json:"recursive"`
	FollowChain []string  `json:"follow_chain,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// IndexEntry is a lightweight pointer into the federation index: enough to
// render a discovery surface without holding the content itself.
type IndexEntry struct {
	ID               string     `json:"id"`
	Title            string     `json:"title"`
	ThumbnailLocator string     `json:"thumbnail_locator,omitempty"`
	CategoryID       CategoryID `json:"category_id"`
	SourceSite       string     `json:"source_site"`
	SourceSiteName   string     `json:"source_site_name,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
	Tags             []string   `json:"tags,omitempty"`
	Featured         bool       `json:"featured,omitempty"`
	Promoted         bool       `json:"promoted,omitempty"`
	FeaturedUntil    *time.Time `json:"featured_until,omitempty"`
	PromotedUntil    *time.Time `json:"promoted_until,omitempty"`
}

// FeaturedNow reports whether the entry is featured and not yet expired.
// A nil FeaturedUntil never expires.
func (e IndexEntry) FeaturedNow(now time.Time) bool {
	return e.Featured && (e.FeaturedUntil == nil || e.FeaturedUntil.After(now))
}

// PromotedNow reports whether the entry is promoted and not yet expired.
func (e IndexEntry) PromotedNow(now time.Time) bool {
	return e.Promoted && (e.PromotedUntil == nil || e.PromotedUntil.After(now))
}

// IndexStats summarizes the index for operator surfaces.
type IndexStats struct {
	TotalEntries      int                `json:"total_entries"`
	EntriesBySite     map[string]int     `json:"entries_by_site"`
	EntriesByCategory map[CategoryID]int `json:"entries_by_category"`
	OldestEntry       time.Time          `json:"oldest_entry,omitempty"`
	NewestEntry       time.Time          `json:"newest_entry,omitempty"`
}
