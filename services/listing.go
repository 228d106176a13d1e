package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"mls_sync/filter"
	"mls_sync/identity"
	"mls_sync/models"
	"mls_sync/queue"
	"mls_sync/storage"
	"mls_sync/transform"
)

// ErrConflictUnresolved means the save after conflict recovery failed too.
// It is fatal for the import run.
var ErrConflictUnresolved = errors.New("listing conflict unresolved")

const (
	defaultProvince      = "ON"
	remarksPreviewLength = 120
)

type Outcome string

const (
	OutcomeSkipped               Outcome = "skipped"
	OutcomeUnchanged             Outcome = "unchanged"
	OutcomeInserted              Outcome = "inserted"
	OutcomeUpdatedExisting       Outcome = "updated"
	OutcomeRecoveredFromConflict Outcome = "recovered"
)

// Skip reasons
const (
	SkipMissingKey     = "missing_listing_key"
	SkipNotPowerOfSale = "not_power_of_sale"
)

// UpsertOptions carries the per-run settings of one feed.
type UpsertOptions struct {
	Source             string
	RequirePowerOfSale bool
	SyncedAt           time.Time
}

// UpsertResult contains the outcome of upserting one record
type UpsertResult struct {
	Outcome        Outcome
	Listing        *models.Listing
	Dirty          []string
	HistoryWritten bool
	MediaQueued    bool
	MediaSynced    int
	SkipReason     string
}

// Saved reports whether the listing row was written.
func (r *UpsertResult) Saved() bool {
	switch r.Outcome {
	case OutcomeInserted, OutcomeUpdatedExisting:
		return true
	case OutcomeRecoveredFromConflict:
		return len(r.Dirty) > 0
	}
	return false
}

// ListingService reconciles feed records with stored listings.
type ListingService struct {
	store      ListingStore
	jobs       queue.Enqueuer
	media      *MediaService
	mediaQueue string
	logger     *slog.Logger
	now        func() time.Time
}

// NewListingService creates a new ListingService. jobs may be nil, in which
// case no media.sync jobs are dispatched.
func NewListingService(store ListingStore, jobs queue.Enqueuer, media *MediaService, mediaQueue string, logger *slog.Logger) *ListingService {
	return &ListingService{
		store:      store,
		jobs:       jobs,
		media:      media,
		mediaQueue: mediaQueue,
		logger:     logger,
		now:        time.Now,
	}
}

// identityKeys are the two ways a listing is located.
type identityKeys struct {
	externalID string
	boardCode  string
	mlsNumber  string
}

// Upsert reconciles one raw OData record. It is idempotent: a record with
// no meaningful change produces no write, no history and no media job.
func (s *ListingService) Upsert(ctx context.Context, rec *models.RawRecord, opts UpsertOptions) (*UpsertResult, error) {
	key := rec.ListingKey.Trimmed()
	if key == nil {
		return &UpsertResult{Outcome: OutcomeSkipped, SkipReason: SkipMissingKey}, nil
	}

	if opts.RequirePowerOfSale && !filter.IsPowerOfSaleRemarks(rec.PublicRemarks.Ptr()) {
		s.logger.Info("listing rejected: not power of sale",
			"listing_key", *key,
			"remarks_preview", remarksPreview(rec.PublicRemarks.Ptr()))
		return &UpsertResult{Outcome: OutcomeSkipped, SkipReason: SkipNotPowerOfSale}, nil
	}

	syncedAt := opts.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = s.now()
	}
	syncedAt = syncedAt.UTC()

	municipalityID, err := s.municipality(ctx, rec.City.Trimmed(), rec.StateOrProvince.Trimmed())
	if err != nil {
		return nil, err
	}

	fields := transform.Transform(rec)
	ids := identityKeys{
		externalID: *key,
		boardCode:  identity.BoardCode(rec),
		mlsNumber:  identity.MLSNumber(rec),
	}
	payload := rec.Payload()
	listedAt := transform.ListedAtCandidate(rec)
	daysOnMarket := transform.IntOrNull(rec.DaysOnMarket.Ptr())

	fill := func(l *models.Listing) {
		l.ExternalID = strPtr(ids.externalID)
		l.ListingKey = strPtr(ids.externalID)
		l.BoardCode = ids.boardCode
		l.MLSNumber = ids.mlsNumber
		l.MunicipalityID = municipalityID
		l.StatusCode = firstPresent(rec.MlsStatus, rec.StandardStatus, rec.ContractStatus)
		l.DisplayStatus = fields.Status
		l.Availability = availability(rec.StandardStatus.Trimmed(), rec.ContractStatus.Trimmed())
		l.ListPrice = transform.FloatOrNull(rec.ListPrice.Ptr())
		l.OriginalListPrice = transform.FloatOrNull(rec.OriginalListPrice.Ptr())
		l.PropertyType = rec.PropertyType.Trimmed()
		l.PropertySubType = rec.PropertySubType.Trimmed()
		l.TransactionType = rec.TransactionType.Trimmed()
		l.Address = fields.Address
		l.UnitNumber = rec.UnitNumber.Trimmed()
		l.City = rec.City.Trimmed()
		l.Province = rec.StateOrProvince.Trimmed()
		l.PostalCode = rec.PostalCode.Trimmed()
		l.Latitude = transform.FloatOrNull(rec.Latitude.Ptr())
		l.Longitude = transform.FloatOrNull(rec.Longitude.Ptr())
		l.Bedrooms = transform.IntOrNull(rec.BedroomsTotal.Ptr())
		l.BedroomsPlus = transform.IntOrNull(rec.BedroomsBelowGrade.Ptr())
		l.Bathrooms = transform.IntOrNull(rec.BathroomsTotalInteger.Ptr())
		l.LivingArea = wholeNumber(rec.LivingArea.Ptr())
		l.Remarks = fields.Remarks
		l.RemarksFull = fields.RemarksFull
		l.VirtualTourURL = fields.VirtualTourURL
		l.ModifiedAt = transform.Parse(rec.ModificationTimestamp.Ptr())
		l.Payload = payload
		l.ListedAt = transform.ResolveListedAt(listedAt, l.ListedAt, daysOnMarket, syncedAt)
	}

	res, err := s.reconcile(ctx, ids, opts.Source, fill, payload)
	if err != nil {
		return nil, err
	}
	if res.Saved() {
		res.MediaQueued = s.queueMediaSync(ctx, res.Listing)
	}
	return res, nil
}

// UpsertPayload reconciles one denormalized listing document. Media is
// rebuilt from the embedded image sets instead of being queued.
func (s *ListingService) UpsertPayload(ctx context.Context, p *models.ListingPayload, opts UpsertOptions) (*UpsertResult, error) {
	key := p.ListingKey.Trimmed()
	if key == nil {
		key = p.ID.Trimmed()
	}
	if key == nil {
		return &UpsertResult{Outcome: OutcomeSkipped, SkipReason: SkipMissingKey}, nil
	}

	if opts.RequirePowerOfSale && !filter.IsPowerOfSaleRemarks(p.Description.Ptr()) {
		s.logger.Info("listing rejected: not power of sale",
			"listing_key", *key,
			"remarks_preview", remarksPreview(p.Description.Ptr()))
		return &UpsertResult{Outcome: OutcomeSkipped, SkipReason: SkipNotPowerOfSale}, nil
	}

	syncedAt := opts.SyncedAt
	if syncedAt.IsZero() {
		syncedAt = s.now()
	}
	syncedAt = syncedAt.UTC()

	municipalityID, err := s.municipality(ctx, p.Address.City.Trimmed(), p.Address.Province.Trimmed())
	if err != nil {
		return nil, err
	}

	mls := p.MLSNumber.Trimmed()
	if mls == nil {
		mls = key
	}
	ids := identityKeys{
		externalID: *key,
		boardCode:  identity.FromSystemName(p.Board.Ptr()),
		mlsNumber:  *mls,
	}
	payload := p.Payload()
	remarksFull := transform.CleanRemarks(p.Description.Ptr())
	status := p.Status.Trimmed()
	displayStatus := p.DisplayStatus.Trimmed()
	if displayStatus == nil {
		displayStatus = status
	}
	listedAt := transform.Parse(p.ListedAt.Ptr())
	daysOnMarket := transform.IntOrNull(p.DaysOnMarket.Ptr())

	fill := func(l *models.Listing) {
		l.ExternalID = strPtr(ids.externalID)
		l.ListingKey = strPtr(ids.externalID)
		l.BoardCode = ids.boardCode
		l.MLSNumber = ids.mlsNumber
		l.MunicipalityID = municipalityID
		l.StatusCode = status
		l.DisplayStatus = displayStatus
		l.Availability = payloadAvailability(p.Availability.Trimmed(), status)
		l.ListPrice = transform.FloatOrNull(p.Price.Ptr())
		l.OriginalListPrice = transform.FloatOrNull(p.OriginalPrice.Ptr())
		l.PropertyType = p.PropertyType.Trimmed()
		l.PropertySubType = p.PropertySubType.Trimmed()
		l.TransactionType = p.TransactionType.Trimmed()
		l.Address = payloadAddress(p.Address)
		l.UnitNumber = p.Address.Unit.Trimmed()
		l.City = p.Address.City.Trimmed()
		l.Province = p.Address.Province.Trimmed()
		l.PostalCode = p.Address.PostalCode.Trimmed()
		l.Latitude = transform.FloatOrNull(p.Latitude.Ptr())
		l.Longitude = transform.FloatOrNull(p.Longitude.Ptr())
		l.Bedrooms = transform.IntOrNull(p.Beds.Ptr())
		l.BedroomsPlus = transform.IntOrNull(p.BedsPlus.Ptr())
		l.Bathrooms = wholeNumber(p.Baths.Ptr())
		l.LivingArea = wholeNumber(p.Sqft.Ptr())
		l.Remarks = transform.Truncate(remarksFull, transform.RemarksLimit)
		l.RemarksFull = remarksFull
		l.VirtualTourURL = p.VirtualTourURL.Trimmed()
		l.ModifiedAt = transform.Parse(p.ModifiedAt.Ptr())
		l.Payload = payload
		l.ListedAt = transform.ResolveListedAt(listedAt, l.ListedAt, daysOnMarket, syncedAt)
	}

	res, err := s.reconcile(ctx, ids, opts.Source, fill, payload)
	if err != nil {
		return nil, err
	}
	// The payload is not a tracked field, so an image-only change comes back
	// unchanged and still needs its media rebuilt.
	if res.Outcome != OutcomeSkipped && res.Listing != nil && s.media != nil {
		n, err := s.media.SyncFromPayload(ctx, res.Listing.ID, p.ImageSets, p.Images)
		if err != nil {
			return res, fmt.Errorf("sync payload media: %w", err)
		}
		res.MediaSynced = n
	}
	return res, nil
}

// reconcile locates, fills, merges and persists one listing, then writes
// status history. fill must be safe to apply more than once.
func (s *ListingService) reconcile(ctx context.Context, ids identityKeys, sourceSlug string, fill func(*models.Listing), payload json.RawMessage) (*UpsertResult, error) {
	var src *models.Source
	if sourceSlug != "" {
		var err error
		if src, err = s.store.FindOrCreateSource(ctx, sourceSlug); err != nil {
			return nil, err
		}
	}

	existing, err := s.locate(ctx, ids)
	if err != nil {
		return nil, err
	}

	var candidate *models.Listing
	if existing == nil {
		candidate = &models.Listing{ID: uuid.New(), ExternalID: strPtr(ids.externalID)}
	} else {
		candidate = existing.Clone()
		candidate.Restore()
	}
	fill(candidate)
	if err := s.mergeSource(ctx, candidate, src); err != nil {
		return nil, err
	}

	dirty := models.DirtyFields(existing, candidate)
	if existing != nil && len(dirty) == 0 {
		return &UpsertResult{Outcome: OutcomeUnchanged, Listing: existing}, nil
	}

	res := &UpsertResult{Listing: candidate, Dirty: dirty}
	if existing == nil {
		res.Outcome = OutcomeInserted
		if err := s.store.InsertListing(ctx, candidate); err != nil {
			if !errors.Is(err, storage.ErrDuplicate) {
				return nil, err
			}
			s.logger.Warn("listing insert raced, recovering",
				"listing_key", ids.externalID, "board_code", ids.boardCode, "mls_number", ids.mlsNumber)
			return s.recoverConflict(ctx, ids, fill, src, payload)
		}
	} else {
		res.Outcome = OutcomeUpdatedExisting
		if err := s.store.UpdateListing(ctx, candidate); err != nil {
			return nil, err
		}
	}

	if res.Outcome == OutcomeInserted || models.StatusChanged(dirty) {
		if err := s.writeHistory(ctx, candidate, payload); err != nil {
			return nil, err
		}
		res.HistoryWritten = true
	}
	return res, nil
}

// recoverConflict re-reads the row that won the insert race, overwrites it
// with the attempted attributes and saves once. A second failure is not
// retried.
func (s *ListingService) recoverConflict(ctx context.Context, ids identityKeys, fill func(*models.Listing), src *models.Source, payload json.RawMessage) (*UpsertResult, error) {
	conflicting, err := s.locate(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConflictUnresolved, err)
	}
	if conflicting == nil {
		return nil, fmt.Errorf("%w: conflicting row for %s not found", ErrConflictUnresolved, ids.externalID)
	}

	target := conflicting.Clone()
	target.Restore()
	fill(target)
	if err := s.mergeSource(ctx, target, src); err != nil {
		return nil, err
	}

	dirty := models.DirtyFields(conflicting, target)
	res := &UpsertResult{Outcome: OutcomeRecoveredFromConflict, Listing: target, Dirty: dirty}
	if len(dirty) == 0 {
		res.Listing = conflicting
		return res, nil
	}
	if err := s.store.UpdateListing(ctx, target); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConflictUnresolved, err)
	}

	if models.StatusChanged(dirty) {
		if err := s.writeHistory(ctx, target, payload); err != nil {
			return nil, err
		}
		res.HistoryWritten = true
	}
	return res, nil
}

// locate tries external_id first, then (board_code, mls_number).
func (s *ListingService) locate(ctx context.Context, ids identityKeys) (*models.Listing, error) {
	l, err := s.store.FindListingByExternalID(ctx, ids.externalID)
	if err != nil || l != nil {
		return l, err
	}
	return s.store.FindListingByBoardAndMLS(ctx, ids.boardCode, ids.mlsNumber)
}

// mergeSource assigns src unless the listing already belongs to a source
// of higher priority.
func (s *ListingService) mergeSource(ctx context.Context, l *models.Listing, src *models.Source) error {
	if src == nil {
		return nil
	}
	id := src.ID
	if l.SourceID == nil {
		l.SourceID = &id
		return nil
	}
	if *l.SourceID == src.ID {
		return nil
	}
	current, err := s.store.SourceByID(ctx, *l.SourceID)
	if err != nil {
		return err
	}
	if src.Priority() >= current.Priority() {
		l.SourceID = &id
	}
	return nil
}

func (s *ListingService) municipality(ctx context.Context, city, province *string) (*int64, error) {
	if city == nil {
		return nil, nil
	}
	prov := defaultProvince
	if province != nil {
		prov = *province
	}
	m, err := s.store.FindOrCreateMunicipality(ctx, *city, prov)
	if err != nil {
		return nil, err
	}
	return &m.ID, nil
}

func (s *ListingService) writeHistory(ctx context.Context, l *models.Listing, payload json.RawMessage) error {
	changedAt := s.now().UTC()
	if l.ModifiedAt != nil {
		changedAt = *l.ModifiedAt
	}
	return s.store.InsertStatusHistory(ctx, &models.ListingStatusHistory{
		ListingID:     l.ID,
		StatusCode:    l.StatusCode,
		DisplayStatus: l.DisplayStatus,
		SourceID:      l.SourceID,
		Payload:       payload,
		ChangedAt:     changedAt,
	})
}

func (s *ListingService) queueMediaSync(ctx context.Context, l *models.Listing) bool {
	if s.jobs == nil || l.ListingKey == nil {
		return false
	}
	job := MediaSyncJob{ListingID: l.ID, ListingKey: *l.ListingKey}
	if err := s.jobs.Enqueue(ctx, queue.TypeMediaSync, job, s.mediaQueue); err != nil {
		s.logger.Warn("media sync not queued", "listing_key", *l.ListingKey, "error", err)
		return false
	}
	return true
}

func availability(standardStatus, contractStatus *string) string {
	if standardStatus != nil && strings.EqualFold(*standardStatus, "active") {
		return models.AvailabilityAvailable
	}
	if contractStatus != nil && strings.EqualFold(*contractStatus, "available") {
		return models.AvailabilityAvailable
	}
	return models.AvailabilityUnavailable
}

func payloadAvailability(explicit, status *string) string {
	if explicit != nil {
		if strings.EqualFold(*explicit, "available") {
			return models.AvailabilityAvailable
		}
		return models.AvailabilityUnavailable
	}
	return availability(status, nil)
}

func payloadAddress(a models.PayloadAddress) *string {
	street := a.Street.Trimmed()
	if street == nil {
		return nil
	}
	var locality []string
	for _, f := range []models.Flex{a.City, a.Province, a.PostalCode} {
		if v := f.Trimmed(); v != nil {
			locality = append(locality, *v)
		}
	}
	addr := *street
	if len(locality) > 0 {
		addr += ", " + strings.Join(locality, ", ")
	}
	return &addr
}

func firstPresent(values ...models.Flex) *string {
	for _, v := range values {
		if t := v.Trimmed(); t != nil {
			return t
		}
	}
	return nil
}

// wholeNumber rounds a decimal feed value ("1450.5") to an int.
func wholeNumber(v *string) *int {
	f := transform.FloatOrNull(v)
	if f == nil {
		return nil
	}
	n := int(math.Round(*f))
	return &n
}

func remarksPreview(remarks *string) string {
	if remarks == nil {
		return ""
	}
	s := strings.TrimSpace(*remarks)
	if utf8.RuneCountInString(s) <= remarksPreviewLength {
		return s
	}
	return string([]rune(s)[:remarksPreviewLength])
}

func strPtr(s string) *string { return &s }

// ProcessStats tracks aggregate statistics for an import run
type ProcessStats struct {
	Scanned   int
	Matched   int
	Inserted  int
	Updated   int
	Recovered int
	Unchanged int
	Skipped   int
	Errors    int
}

// Aggregate adds an UpsertResult to the stats
func (s *ProcessStats) Aggregate(r *UpsertResult) {
	s.Scanned++
	switch r.Outcome {
	case OutcomeSkipped:
		s.Skipped++
		return
	case OutcomeInserted:
		s.Inserted++
	case OutcomeUpdatedExisting:
		s.Updated++
	case OutcomeRecoveredFromConflict:
		s.Recovered++
	case OutcomeUnchanged:
		s.Unchanged++
	}
	s.Matched++
}

// ToJSON returns JSON-serializable metadata
func (s *ProcessStats) ToJSON() json.RawMessage {
	data, _ := json.Marshal(map[string]int{
		"scanned":   s.Scanned,
		"matched":   s.Matched,
		"inserted":  s.Inserted,
		"updated":   s.Updated,
		"recovered": s.Recovered,
		"unchanged": s.Unchanged,
		"skipped":   s.Skipped,
		"errors":    s.Errors,
	})
	return data
}
