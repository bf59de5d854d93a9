package federation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"syndicate/pkg/identity"
	"syndicate/pkg/store"
	"syndicate/pkg/types"
)

// EntryID derives the deterministic index entry id for a piece of content,
// so the same content indexed from any path lands on the same entry.
func EntryID(sourceSite, contentLocator string) string {
	sum := sha256.Sum256([]byte(sourceSite + "\x00" + contentLocator))
	return hex.EncodeToString(sum[:])
}

// NewIndexEntry builds the index pointer for an item attributed to source.
func NewIndexEntry(item types.ContentItem, source, sourceName string) types.IndexEntry {
	ts := item.CreatedAt
	if ts.IsZero() {
		ts = item.FederatedAt
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return types.IndexEntry{
		ID:               EntryID(source, item.ContentLocator),
		Title:            item.Name,
		ThumbnailLocator: item.ThumbnailLocator,
		CategoryID:       item.CategoryID,
		SourceSite:       source,
		SourceSiteName:   sourceName,
		Timestamp:        ts,
		Tags:             item.Tags,
	}
}

// IndexQuery is a composite filter over the index. Zero fields do not
// filter; Tags match when the entry carries any of them.
type IndexQuery struct {
	Category     types.CategoryID
	Tags         []string
	Source       string
	Title        string
	From, To     time.Time
	FeaturedOnly bool
	PromotedOnly bool
	Limit        int
	Offset       int
}

func (q IndexQuery) matches(e types.IndexEntry, now time.Time) bool {
	if q.Category != "" && e.CategoryID != q.Category {
		return false
	}
	if q.Source != "" && e.SourceSite != q.Source {
		return false
	}
	if q.Title != "" && !strings.Contains(strings.ToLower(e.Title), strings.ToLower(q.Title)) {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	if q.FeaturedOnly && !e.FeaturedNow(now) {
		return false
	}
	if q.PromotedOnly && !e.PromotedNow(now) {
		return false
	}
	if len(q.Tags) > 0 {
		match := false
	tags:
		for _, want := range q.Tags {
			for _, have := range e.Tags {
				if strings.EqualFold(want, have) {
					match = true
					break tags
				}
			}
		}
		if !match {
			return false
		}
	}
	return true
}

// Index is the local cache of federation index pointers. Writes go through
// the write policy; reads never fail, they degrade to empty results when
// the underlying store cannot be read.
type Index struct {
	owner   string
	entries store.EntryStore
	auth    identity.Authorizer
	logger  *zap.Logger
}

func NewIndex(owner string, entries store.EntryStore, auth identity.Authorizer, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{
		owner:   owner,
		entries: entries,
		auth:    auth,
		logger:  logger,
	}
}

// Upsert inserts or refreshes an entry on behalf of actor. Actors outside
// the write policy get ErrWriteDenied.
func (ix *Index) Upsert(ctx context.Context, actor string, entry types.IndexEntry) error {
	if !ix.auth.CanWrite(actor) {
		return fmt.Errorf("index upsert by %s: %w", actor, ErrWriteDenied)
	}
	if entry.ID == "" {
		return fmt.Errorf("index upsert by %s: entry has no id", actor)
	}
	if err := ix.entries.Put(ctx, entry); err != nil {
		return fmt.Errorf("index upsert %s: %w", entry.ID, err)
	}
	return nil
}

// Remove deletes an entry on behalf of actor. Removing an absent entry is
// a no-op.
func (ix *Index) Remove(ctx context.Context, actor, id string) error {
	if !ix.auth.CanWrite(actor) {
		return fmt.Errorf("index remove by %s: %w", actor, ErrWriteDenied)
	}
	if err := ix.entries.Delete(ctx, id); err != nil {
		return fmt.Errorf("index remove %s: %w", id, err)
	}
	return nil
}

// SetFeatured marks an entry featured until the given time; nil never
// expires. Only the index owner curates.
func (ix *Index) SetFeatured(ctx context.Context, actor, id string, until *time.Time) error {
	return ix.curate(ctx, actor, id, func(e *types.IndexEntry) {
		e.Featured = true
		e.FeaturedUntil = until
	})
}

// SetPromoted marks an entry promoted until the given time; nil never
// expires. Only the index owner curates.
func (ix *Index) SetPromoted(ctx context.Context, actor, id string, until *time.Time) error {
	return ix.curate(ctx, actor, id, func(e *types.IndexEntry) {
		e.Promoted = true
		e.PromotedUntil = until
	})
}

func (ix *Index) curate(ctx context.Context, actor, id string, mutate func(*types.IndexEntry)) error {
	if actor != ix.owner {
		return fmt.Errorf("index curation by %s: %w", actor, ErrWriteDenied)
	}
	entry, err := ix.entries.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("index curation %s: %w", id, err)
	}
	mutate(&entry)
	if err := ix.entries.Put(ctx, entry); err != nil {
		return fmt.Errorf("index curation %s: %w", id, err)
	}
	return nil
}

// Recent returns entries ordered newest first.
func (ix *Index) Recent(ctx context.Context, limit, offset int) []types.IndexEntry {
	return ix.Query(ctx, IndexQuery{Limit: limit, Offset: offset})
}

// ByCategory returns entries in the category, newest first.
func (ix *Index) ByCategory(ctx context.Context, category types.CategoryID) []types.IndexEntry {
	return ix.Query(ctx, IndexQuery{Category: category})
}

// ByTags returns entries carrying any of the given tags.
func (ix *Index) ByTags(ctx context.Context, tags ...string) []types.IndexEntry {
	return ix.Query(ctx, IndexQuery{Tags: tags})
}

// BySource returns entries attributed to the given site.
func (ix *Index) BySource(ctx context.Context, site string) []types.IndexEntry {
	return ix.Query(ctx, IndexQuery{Source: site})
}

// SearchTitle returns entries whose title contains the text,
// case-insensitively.
func (ix *Index) SearchTitle(ctx context.Context, text string) []types.IndexEntry {
	return ix.Query(ctx, IndexQuery{Title: text})
}

// InRange returns entries timestamped within [from, to].
func (ix *Index) InRange(ctx context.Context, from, to time.Time) []types.IndexEntry {
	return ix.Query(ctx, IndexQuery{From: from, To: to})
}

// Featured returns currently featured entries.
func (ix *Index) Featured(ctx context.Context) []types.IndexEntry {
	return ix.Query(ctx, IndexQuery{FeaturedOnly: true})
}

// Promoted returns currently promoted entries.
func (ix *Index) Promoted(ctx context.Context) []types.IndexEntry {
	return ix.Query(ctx, IndexQuery{PromotedOnly: true})
}

// Query evaluates a composite filter, newest first.
func (ix *Index) Query(ctx context.Context, q IndexQuery) []types.IndexEntry {
	entries := ix.listEntries(ctx)
	now := time.Now()

	matched := make([]types.IndexEntry, 0, len(entries))
	for _, e := range entries {
		if q.matches(e, now) {
			matched = append(matched, e)
		}
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return []types.IndexEntry{}
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched
}

// Stats summarizes the index.
func (ix *Index) Stats(ctx context.Context) types.IndexStats {
	entries := ix.listEntries(ctx)

	stats := types.IndexStats{
		TotalEntries:      len(entries),
		EntriesBySite:     make(map[string]int),
		EntriesByCategory: make(map[types.CategoryID]int),
	}
	for _, e := range entries {
		stats.EntriesBySite[e.SourceSite]++
		stats.EntriesByCategory[e.CategoryID]++
		if stats.OldestEntry.IsZero() || e.Timestamp.Before(stats.OldestEntry) {
			stats.OldestEntry = e.Timestamp
		}
		if e.Timestamp.After(stats.NewestEntry) {
			stats.NewestEntry = e.Timestamp
		}
	}
	return stats
}

// listEntries reads everything, newest first. A store failure degrades the
// view to empty rather than surfacing an error to read paths.
func (ix *Index) listEntries(ctx context.Context) []types.IndexEntry {
	entries, err := ix.entries.List(ctx)
	if err != nil {
		if errors.Is(err, store.ErrCorrupted) {
			ix.logger.Warn("index unreadable, serving empty results", zap.Error(err))
		} else {
			ix.logger.Warn("index list failed, serving empty results", zap.Error(err))
		}
		return nil
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	return entries
}
