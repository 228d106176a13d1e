package importer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"mls_sync/models"
	"mls_sync/odata"
	"mls_sync/services"
)

// fakeFeed serves canned pages and records the first query.
type fakeFeed struct {
	pages   [][]models.RawRecord
	err     error
	queries []odata.Query
	preview string
}

func (f *fakeFeed) Pages(ctx context.Context, q odata.Query, maxPages int, fn func(n int, p odata.Page) error) (int, error) {
	f.queries = append(f.queries, q)
	n := 0
	for _, items := range f.pages {
		if maxPages > 0 && n >= maxPages {
			break
		}
		n++
		if err := fn(n, odata.Page{Items: items}); err != nil {
			return n, err
		}
	}
	return n, f.err
}

func (f *fakeFeed) Preview(ctx context.Context, expr string, top int) (odata.Page, error) {
	f.preview = expr
	if f.err != nil {
		return odata.Page{}, f.err
	}
	if len(f.pages) == 0 {
		return odata.Page{}, nil
	}
	items := f.pages[0]
	if top < len(items) {
		items = items[:top]
	}
	return odata.Page{Items: items}, nil
}

// scriptedUpserter answers by listing key.
type scriptedUpserter struct {
	mu       sync.Mutex
	outcomes map[string]services.Outcome
	errs     map[string]error
	seen     []string
	opts     []services.UpsertOptions
}

func (u *scriptedUpserter) Upsert(ctx context.Context, rec *models.RawRecord, opts services.UpsertOptions) (*services.UpsertResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	key := rec.ListingKey.String()
	u.seen = append(u.seen, key)
	u.opts = append(u.opts, opts)
	if err := u.errs[key]; err != nil {
		return nil, err
	}
	out, ok := u.outcomes[key]
	if !ok {
		out = services.OutcomeInserted
	}
	res := &services.UpsertResult{Outcome: out}
	if out == services.OutcomeSkipped {
		res.SkipReason = services.SkipNotPowerOfSale
	}
	return res, nil
}

type memRuns struct {
	mu      sync.Mutex
	runs    map[int64]models.ImportRun
	logs    []models.ImportLog
	updates int
}

func newMemRuns() *memRuns {
	return &memRuns{runs: make(map[int64]models.ImportRun)}
}

func (m *memRuns) CreateRun(run *models.ImportRun) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.ID = int64(len(m.runs) + 1)
	m.runs[run.ID] = *run
	return run.ID, nil
}

func (m *memRuns) UpdateRun(run *models.ImportRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return errors.New("no such run")
	}
	m.runs[run.ID] = *run
	m.updates++
	return nil
}

func (m *memRuns) Log(runID *int64, level models.LogLevel, message, feed, listingKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, models.ImportLog{RunID: runID, Level: level, Message: message, Feed: feed, ListingKey: listingKey})
	return nil
}

func (m *memRuns) levels(level models.LogLevel) []models.ImportLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ImportLog
	for _, l := range m.logs {
		if l.Level == level {
			out = append(out, l)
		}
	}
	return out
}

type memCursors struct {
	mu      sync.Mutex
	cursors map[string]models.ReplicationCursor
}

func newMemCursors() *memCursors {
	return &memCursors{cursors: make(map[string]models.ReplicationCursor)}
}

func (m *memCursors) GetCursor(channel string) (*models.ReplicationCursor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cursors[channel]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *memCursors) AdvanceCursor(channel string, ts time.Time, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cursors[channel]; ok {
		if ts.Before(c.LastTimestamp) || (ts.Equal(c.LastTimestamp) && key <= c.LastKey) {
			return false, nil
		}
	}
	m.cursors[channel] = models.ReplicationCursor{Channel: channel, LastTimestamp: ts, LastKey: key}
	return true, nil
}

type countingBackfill struct {
	mu     sync.Mutex
	limits []int
	n      int
	err    error
}

func (b *countingBackfill) Backfill(ctx context.Context, limit int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.limits = append(b.limits, limit)
	return b.n, b.err
}

// memListings is a minimal listing and media store for end-to-end runs.
type memListings struct {
	mu             sync.Mutex
	listings       map[uuid.UUID]*models.Listing
	history        []models.ListingStatusHistory
	sources        map[string]*models.Source
	municipalities map[string]*models.Municipality
	media          map[uuid.UUID][]models.ListingMedia
	nextID         int64
}

func newMemListings() *memListings {
	return &memListings{
		listings:       make(map[uuid.UUID]*models.Listing),
		sources:        make(map[string]*models.Source),
		municipalities: make(map[string]*models.Municipality),
		media:          make(map[uuid.UUID][]models.ListingMedia),
	}
}

func (s *memListings) FindListingByExternalID(ctx context.Context, externalID string) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listings {
		if l.ExternalID != nil && *l.ExternalID == externalID {
			return l.Clone(), nil
		}
	}
	return nil, nil
}

func (s *memListings) FindListingByBoardAndMLS(ctx context.Context, boardCode, mlsNumber string) (*models.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listings {
		if l.BoardCode == boardCode && l.MLSNumber == mlsNumber {
			return l.Clone(), nil
		}
	}
	return nil, nil
}

func (s *memListings) InsertListing(ctx context.Context, l *models.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.ID] = l.Clone()
	return nil
}

func (s *memListings) UpdateListing(ctx context.Context, l *models.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.ID] = l.Clone()
	return nil
}

func (s *memListings) InsertStatusHistory(ctx context.Context, h *models.ListingStatusHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	h.ID = s.nextID
	s.history = append(s.history, *h)
	return nil
}

func (s *memListings) FindOrCreateSource(ctx context.Context, slug string) (*models.Source, error) {
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

func (s *memListings) SourceByID(ctx context.Context, id int64) (*models.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range s.sources {
		if src.ID == id {
			return src, nil
		}
	}
	return nil, nil
}

func (s *memListings) FindOrCreateMunicipality(ctx context.Context, name, province string) (*models.Municipality, error) {
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

func (s *memListings) ReplaceListingMedia(ctx context.Context, listingID uuid.UUID, items []models.ListingMedia) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media[listingID] = append([]models.ListingMedia(nil), items...)
	return nil
}

func (s *memListings) ListingsMissingMedia(ctx context.Context, limit int) ([]models.ListingRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var refs []models.ListingRef
	for id, l := range s.listings {
		if len(s.media[id]) > 0 || l.ListingKey == nil {
			continue
		}
		refs = append(refs, models.ListingRef{ID: id, ListingKey: *l.ListingKey})
		if len(refs) == limit {
			break
		}
	}
	return refs, nil
}

func (s *memListings) GetListingMedia(ctx context.Context, id uuid.UUID) (*models.ListingMedia, error) {
	return nil, nil
}

func (s *memListings) MarkMediaDownloaded(ctx context.Context, id uuid.UUID, storagePath string, at time.Time) error {
	return nil
}

func (s *memListings) StoragePaths(ctx context.Context) (map[string]bool, error) {
	return map[string]bool{}, nil
}

func (s *memListings) all() []*models.Listing {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		out = append(out, l.Clone())
	}
	return out
}

func (s *memListings) mediaFor(id uuid.UUID) []models.ListingMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ListingMedia(nil), s.media[id]...)
}
