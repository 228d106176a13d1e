package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mls_sync/models"
	"mls_sync/storage"
)

// memStore is an in-memory ListingStore and MediaStore that enforces the
// same unique keys as the listings table, soft-deleted rows included.
type memStore struct {
	mu             sync.Mutex
	listings       map[uuid.UUID]*models.Listing
	sources        map[string]*models.Source
	municipalities map[string]*models.Municipality
	history        []models.ListingStatusHistory
	media          map[uuid.UUID][]models.ListingMedia
	nextID         int64

	// beforeInsert runs once before the next InsertListing, to simulate a
	// concurrent writer.
	beforeInsert func(s *memStore)
	updateErr    error
	inserts      int
	updates      int
}

func newMemStore() *memStore {
	return &memStore{
		listings:       make(map[uuid.UUID]*models.Listing),
		sources:        make(map[string]*models.Source),
		municipalities: make(map[string]*models.Municipality),
		media:          make(map[uuid.UUID][]models.ListingMedia),
	}
}

func (s *memStore) FindListingByExternalID(ctx context.Context, externalID string) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listings {
		if l.ExternalID != nil && *l.ExternalID == externalID {
			return l.Clone(), nil
		}
	}
	return nil, nil
}

func (s *memStore) FindListingByBoardAndMLS(ctx context.Context, boardCode, mlsNumber string) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.Listing
	for _, l := range s.listings {
		if l.BoardCode == boardCode && l.MLSNumber == mlsNumber {
			if found == nil || (found.IsDeleted() && !l.IsDeleted()) {
				found = l
			}
		}
	}
	if found == nil {
		return nil, nil
	}
	return found.Clone(), nil
}

func (s *memStore) conflicts(l *models.Listing) bool {
	for id, other := range s.listings {
		if id == l.ID {
			continue
		}
		if other.BoardCode == l.BoardCode && other.MLSNumber == l.MLSNumber {
			return true
		}
		if l.ExternalID != nil && other.ExternalID != nil && *other.ExternalID == *l.ExternalID {
			return true
		}
	}
	return false
}

func (s *memStore) InsertListing(ctx context.Context, l *models.Listing) error {
	if hook := s.beforeInsert; hook != nil {
		s.beforeInsert = nil
		hook(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conflicts(l) {
		return fmt.Errorf("insert listing: %w", storage.ErrDuplicate)
	}
	now := time.Now().UTC()
	l.CreatedAt, l.UpdatedAt = now, now
	s.listings[l.ID] = l.Clone()
	s.inserts++
	return nil
}

func (s *memStore) UpdateListing(ctx context.Context, l *models.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		return s.updateErr
	}
	if _, ok := s.listings[l.ID]; !ok {
		return fmt.Errorf("update listing: %s not found", l.ID)
	}
	if s.conflicts(l) {
		return fmt.Errorf("update listing: %w", storage.ErrDuplicate)
	}
	l.UpdatedAt = time.Now().UTC()
	s.listings[l.ID] = l.Clone()
	s.updates++
	return nil
}

func (s *memStore) InsertStatusHistory(ctx context.Context, h *models.ListingStatusHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	h.ID = s.nextID
	h.CreatedAt = time.Now().UTC()
	s.history = append(s.history, *h)
	return nil
}

func (s *memStore) FindOrCreateSource(ctx context.Context, slug string) (*models.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if src, ok := s.sources[slug]; ok {
		return src, nil
	}
	s.nextID++
	src := &models.Source{ID: s.nextID, Slug: slug, Name: slug}
	s.sources[slug] = src
	return src, nil
}

func (s *memStore) SourceByID(ctx context.Context, id int64) (*models.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range s.sources {
		if src.ID == id {
			return src, nil
		}
	}
	return nil, nil
}

func (s *memStore) FindOrCreateMunicipality(ctx context.Context, name, province string) (*models.Municipality, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := name + "|" + province
	if m, ok := s.municipalities[key]; ok {
		return m, nil
	}
	s.nextID++
	m := &models.Municipality{ID: s.nextID, Name: name, Province: province}
	s.municipalities[key] = m
	return m, nil
}

func (s *memStore) ReplaceListingMedia(ctx context.Context, listingID uuid.UUID, items []models.ListingMedia) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]models.ListingMedia, len(items))
	for i, m := range items {
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		m.ListingID = listingID
		rows[i] = m
	}
	s.media[listingID] = rows
	return nil
}

func (s *memStore) ListingsMissingMedia(ctx context.Context, limit int) ([]models.ListingRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []models.ListingRef
	for id, l := range s.listings {
		if len(s.media[id]) > 0 || l.IsDeleted() || l.ListingKey == nil {
			continue
		}
		refs = append(refs, models.ListingRef{ID: id, ListingKey: *l.ListingKey})
		if len(refs) == limit {
			break
		}
	}
	return refs, nil
}

func (s *memStore) GetListingMedia(ctx context.Context, id uuid.UUID) (*models.ListingMedia, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rows := range s.media {
		for i := range rows {
			if rows[i].ID == id {
				m := rows[i]
				return &m, nil
			}
		}
	}
	return nil, nil
}

func (s *memStore) MarkMediaDownloaded(ctx context.Context, id uuid.UUID, storagePath string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rows := range s.media {
		for i := range rows {
			if rows[i].ID == id {
				rows[i].StoragePath = &storagePath
				rows[i].DownloadedAt = &at
				return nil
			}
		}
	}
	return fmt.Errorf("media %s not found", id)
}

func (s *memStore) StoragePaths(ctx context.Context) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make(map[string]bool)
	for _, rows := range s.media {
		for _, m := range rows {
			if m.StoragePath != nil {
				paths[*m.StoragePath] = true
			}
		}
	}
	return paths, nil
}

func (s *memStore) all() []*models.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		out = append(out, l.Clone())
	}
	return out
}

func (s *memStore) historyFor(id uuid.UUID) []models.ListingStatusHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ListingStatusHistory
	for _, h := range s.history {
		if h.ListingID == id {
			out = append(out, h)
		}
	}
	return out
}

func (s *memStore) mediaFor(id uuid.UUID) []models.ListingMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ListingMedia(nil), s.media[id]...)
}

// fakeFetcher serves Media resource items per listing key.
type fakeFetcher struct {
	items map[string][]models.RawMedia
	err   error
	calls []string
}

func (f *fakeFetcher) FetchMedia(ctx context.Context, listingKey string) ([]models.RawMedia, error) {
	f.calls = append(f.calls, listingKey)
	if f.err != nil {
		return nil, f.err
	}
	return f.items[listingKey], nil
}

// memCursors mirrors the monotonic guard of the SQLite cursor table.
type memCursors struct {
	cursors map[string]*models.ReplicationCursor
}

func newMemCursors() *memCursors {
	return &memCursors{cursors: make(map[string]*models.ReplicationCursor)}
}

func (m *memCursors) GetCursor(channel string) (*models.ReplicationCursor, error) {
	c, ok := m.cursors[channel]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (m *memCursors) AdvanceCursor(channel string, ts time.Time, key string) (bool, error) {
	if c, ok := m.cursors[channel]; ok {
		if ts.Before(c.LastTimestamp) || (ts.Equal(c.LastTimestamp) && key <= c.LastKey) {
			return false, nil
		}
	}
	m.cursors[channel] = &models.ReplicationCursor{Channel: channel, LastTimestamp: ts, LastKey: key, UpdatedAt: time.Now()}
	return true, nil
}
