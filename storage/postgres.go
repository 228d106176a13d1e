package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"mls_sync/models"
)

// ErrDuplicate marks a unique-constraint violation on one of the listing
// identity keys.
var ErrDuplicate = errors.New("storage: duplicate listing")

const (
	ConstraintBoardMLS   = "listings_board_mls_unique"
	ConstraintExternalID = "listings_external_id_unique"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// Listings
// =============================================================================

const listingColumns = `id, external_id, listing_key, board_code, mls_number, source_id, municipality_id,
	status_code, display_status, availability, list_price, original_list_price,
	property_type, property_sub_type, transaction_type, address, unit_number, city, province,
	postal_code, latitude, longitude, bedrooms, bedrooms_plus, bathrooms, living_area,
	remarks, remarks_full, virtual_tour_url, listed_at, modified_at, payload, deleted_at,
	created_at, updated_at`

func scanListing(row pgx.Row) (*models.Listing, error) {
	var l models.Listing
	err := row.Scan(
		&l.ID, &l.ExternalID, &l.ListingKey, &l.BoardCode, &l.MLSNumber, &l.SourceID, &l.MunicipalityID,
		&l.StatusCode, &l.DisplayStatus, &l.Availability, &l.ListPrice, &l.OriginalListPrice,
		&l.PropertyType, &l.PropertySubType, &l.TransactionType, &l.Address, &l.UnitNumber, &l.City, &l.Province,
		&l.PostalCode, &l.Latitude, &l.Longitude, &l.Bedrooms, &l.BedroomsPlus, &l.Bathrooms, &l.LivingArea,
		&l.Remarks, &l.RemarksFull, &l.VirtualTourURL, &l.ListedAt, &l.ModifiedAt, &l.Payload, &l.DeletedAt,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// FindListingByExternalID includes soft-deleted rows.
func (s *PostgresStore) FindListingByExternalID(ctx context.Context, externalID string) (*models.Listing, error) {
	l, err := scanListing(s.pool.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE external_id = $1`, externalID))
	if err != nil {
		return nil, fmt.Errorf("find listing by external id: %w", err)
	}
	return l, nil
}

// FindListingByBoardAndMLS includes soft-deleted rows.
func (s *PostgresStore) FindListingByBoardAndMLS(ctx context.Context, boardCode, mlsNumber string) (*models.Listing, error) {
	l, err := scanListing(s.pool.QueryRow(ctx,
		`SELECT `+listingColumns+` FROM listings
		WHERE board_code = $1 AND mls_number = $2
		ORDER BY deleted_at NULLS FIRST LIMIT 1`, boardCode, mlsNumber))
	if err != nil {
		return nil, fmt.Errorf("find listing by board and mls: %w", err)
	}
	return l, nil
}

func listingArgs(l *models.Listing) []any {
	return []any{
		l.ID, l.ExternalID, l.ListingKey, l.BoardCode, l.MLSNumber, l.SourceID, l.MunicipalityID,
		l.StatusCode, l.DisplayStatus, l.Availability, l.ListPrice, l.OriginalListPrice,
		l.PropertyType, l.PropertySubType, l.TransactionType, l.Address, l.UnitNumber, l.City, l.Province,
		l.PostalCode, l.Latitude, l.Longitude, l.Bedrooms, l.BedroomsPlus, l.Bathrooms, l.LivingArea,
		l.Remarks, l.RemarksFull, l.VirtualTourURL, l.ListedAt, l.ModifiedAt, nullableJSON(l.Payload), l.DeletedAt,
		l.CreatedAt, l.UpdatedAt,
	}
}

// InsertListing returns an error wrapping ErrDuplicate when either identity
// key is already taken.
func (s *PostgresStore) InsertListing(ctx context.Context, l *models.Listing) error {
	now := time.Now().UTC()
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	l.CreatedAt, l.UpdatedAt = now, now

	_, err := s.pool.Exec(ctx, `INSERT INTO listings (`+listingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
			$19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, $32, $33, $34, $35)`,
		listingArgs(l)...)
	if err != nil {
		return wrapDuplicate("insert listing", err)
	}
	return nil
}

func (s *PostgresStore) UpdateListing(ctx context.Context, l *models.Listing) error {
	l.UpdatedAt = time.Now().UTC()
	args := append(listingArgs(l)[:33], l.UpdatedAt)

	tag, err := s.pool.Exec(ctx, `
		UPDATE listings SET
			external_id = $2, listing_key = $3, board_code = $4, mls_number = $5, source_id = $6,
			municipality_id = $7, status_code = $8, display_status = $9, availability = $10,
			list_price = $11, original_list_price = $12, property_type = $13, property_sub_type = $14,
			transaction_type = $15, address = $16, unit_number = $17, city = $18, province = $19,
			postal_code = $20, latitude = $21, longitude = $22, bedrooms = $23, bedrooms_plus = $24,
			bathrooms = $25, living_area = $26, remarks = $27, remarks_full = $28, virtual_tour_url = $29,
			listed_at = $30, modified_at = $31, payload = $32, deleted_at = $33, updated_at = $34
		WHERE id = $1`,
		args...)
	if err != nil {
		return wrapDuplicate("update listing", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update listing: %s not found", l.ID)
	}
	return nil
}

// =============================================================================
// Status history
// =============================================================================

func (s *PostgresStore) InsertStatusHistory(ctx context.Context, h *models.ListingStatusHistory) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO listing_status_histories (listing_id, status_code, display_status, source_id, payload, changed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at`,
		h.ListingID, h.StatusCode, h.DisplayStatus, h.SourceID, nullableJSON(h.Payload), h.ChangedAt,
	).Scan(&h.ID, &h.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}
	return nil
}

// =============================================================================
// Sources & municipalities
// =============================================================================

func (s *PostgresStore) FindOrCreateSource(ctx context.Context, slug string) (*models.Source, error) {
	var src models.Source
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sources (slug, name) VALUES ($1, $2)
		ON CONFLICT (slug) DO UPDATE SET slug = EXCLUDED.slug
		RETURNING id, slug, name, created_at`,
		slug, strings.ToUpper(slug),
	).Scan(&src.ID, &src.Slug, &src.Name, &src.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("find or create source: %w", err)
	}
	return &src, nil
}

func (s *PostgresStore) SourceByID(ctx context.Context, id int64) (*models.Source, error) {
	var src models.Source
	err := s.pool.QueryRow(ctx, `SELECT id, slug, name, created_at FROM sources WHERE id = $1`, id).
		Scan(&src.ID, &src.Slug, &src.Name, &src.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return &src, nil
}

func (s *PostgresStore) FindOrCreateMunicipality(ctx context.Context, name, province string) (*models.Municipality, error) {
	var m models.Municipality
	err := s.pool.QueryRow(ctx, `
		INSERT INTO municipalities (name, province) VALUES ($1, $2)
		ON CONFLICT (name, province) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, province, created_at`,
		name, province,
	).Scan(&m.ID, &m.Name, &m.Province, &m.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("find or create municipality: %w", err)
	}
	return &m, nil
}

// =============================================================================
// Listing media
// =============================================================================

const mediaColumns = `id, listing_id, media_key, url, preview_url, caption, position, is_primary,
	storage_path, downloaded_at, created_at`

// ReplaceListingMedia deletes every media row of the listing and inserts
// items in one transaction.
func (s *PostgresStore) ReplaceListingMedia(ctx context.Context, listingID uuid.UUID, items []models.ListingMedia) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM listing_media WHERE listing_id = $1`, listingID); err != nil {
		return fmt.Errorf("delete media: %w", err)
	}

	batch := &pgx.Batch{}
	for i := range items {
		m := &items[i]
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		m.ListingID = listingID
		batch.Queue(`
			INSERT INTO listing_media (id, listing_id, media_key, url, preview_url, caption, position, is_primary)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.ID, m.ListingID, m.MediaKey, m.URL, m.PreviewURL, m.Caption, m.Position, m.IsPrimary)
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert media: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func scanMedia(row pgx.Row) (*models.ListingMedia, error) {
	var m models.ListingMedia
	err := row.Scan(&m.ID, &m.ListingID, &m.MediaKey, &m.URL, &m.PreviewURL, &m.Caption, &m.Position,
		&m.IsPrimary, &m.StoragePath, &m.DownloadedAt, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) GetListingMedia(ctx context.Context, id uuid.UUID) (*models.ListingMedia, error) {
	m, err := scanMedia(s.pool.QueryRow(ctx, `SELECT `+mediaColumns+` FROM listing_media WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get media: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) MarkMediaDownloaded(ctx context.Context, id uuid.UUID, storagePath string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE listing_media SET storage_path = $2, downloaded_at = $3 WHERE id = $1`, id, storagePath, at)
	if err != nil {
		return fmt.Errorf("mark media downloaded: %w", err)
	}
	return nil
}

// StoragePaths returns every stored media path, for orphan pruning.
func (s *PostgresStore) StoragePaths(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `SELECT storage_path FROM listing_media WHERE storage_path IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	paths := make(map[string]bool)
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths[p] = true
	}
	return paths, rows.Err()
}

// ListingsMissingMedia returns live listings without any media row.
func (s *PostgresStore) ListingsMissingMedia(ctx context.Context, limit int) ([]models.ListingRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT l.id, l.listing_key FROM listings l
		WHERE l.deleted_at IS NULL AND l.listing_key IS NOT NULL
			AND NOT EXISTS (SELECT 1 FROM listing_media m WHERE m.listing_id = l.id)
		ORDER BY l.updated_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listings missing media: %w", err)
	}
	defer rows.Close()

	var out []models.ListingRef
	for rows.Next() {
		var ref models.ListingRef
		if err := rows.Scan(&ref.ID, &ref.ListingKey); err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// =============================================================================
// Helpers
// =============================================================================

func isUniqueViolationOnConstraint(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if err == nil || !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

func wrapDuplicate(op string, err error) error {
	for _, c := range []string{ConstraintBoardMLS, ConstraintExternalID} {
		if isUniqueViolationOnConstraint(err, c) {
			return fmt.Errorf("%s: %w (%s)", op, ErrDuplicate, c)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
