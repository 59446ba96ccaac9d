package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"auction_go/internal/domain"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Storage is the engine's audit store: command log, listing state, price
// ledger, commitments, settlements and bidder reputations.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the SQLite database at path.
func NewStorage(path string) (*Storage, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	// Connect to SQLite (Pure Go)
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Every listing writes from its own goroutine; one connection keeps
	// sqlite from reporting SQLITE_BUSY.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&commandRow{},
		&factsRow{},
		&listingRow{},
		&priceEventRow{},
		&commitmentRow{},
		&settlementRow{},
		&BidderReputation{},
	)
}

// Close releases the database handle.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Command Log
// ======================================================================================

// AppendCommand writes one WAL entry. (listing, seq) is unique, so a
// duplicate append fails instead of forking the log.
func (s *Storage) AppendCommand(ctx context.Context, rec domain.CommandRecord) error {
	row := commandRow{
		ListingID: rec.ListingID,
		Seq:       rec.Seq,
		Kind:      rec.Kind,
		Payload:   rec.Payload,
		At:        rec.At,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// LoadCommands returns a listing's WAL in sequence order.
func (s *Storage) LoadCommands(ctx context.Context, listingID string) ([]domain.CommandRecord, error) {
	var rows []commandRow
	err := s.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.CommandRecord, len(rows))
	for i, r := range rows {
		out[i] = domain.CommandRecord{ListingID: r.ListingID, Seq: r.Seq, Kind: r.Kind, Payload: r.Payload, At: r.At}
	}
	return out, nil
}

// ======================================================================================
// Listing Facts
// ======================================================================================

// SaveFacts stores the catalog facts a listing was opened with. Recovery
// replays the command log on top of them.
func (s *Storage) SaveFacts(ctx context.Context, f domain.ListingFacts) error {
	row := factsFromDomain(f)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
}

// LoadOpenFacts returns the facts of every listing that has not reached a
// terminal status, ordered by id.
func (s *Storage) LoadOpenFacts(ctx context.Context) ([]domain.ListingFacts, error) {
	var rows []factsRow
	err := s.db.WithContext(ctx).
		Table("listing_facts").
		Select("listing_facts.*").
		Joins("LEFT JOIN listings ON listings.id = listing_facts.id").
		Where("listings.status IS NULL OR listings.status IN ?", []string{string(domain.StatusPending), string(domain.StatusActive)}).
		Order("listing_facts.id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.ListingFacts, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// ======================================================================================
// Listing State
// ======================================================================================

// RecordListing upserts the listing's committed status, price and winner.
func (s *Storage) RecordListing(ctx context.Context, l domain.Listing) error {
	row := listingFromDomain(l)
	return s.db.WithContext(ctx).Save(&row).Error
}

// GetListing returns the last recorded state of a listing.
func (s *Storage) GetListing(ctx context.Context, listingID string) (domain.Listing, error) {
	var row listingRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", listingID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Listing{}, &domain.StateError{ListingID: listingID, Err: domain.ErrListingNotFound}
	}
	if err != nil {
		return domain.Listing{}, err
	}
	return row.toDomain(), nil
}

// RecordLedger upserts the listing's price events. Entries are keyed by id,
// so invalidation flags written by a kick overwrite the earlier row.
func (s *Storage) RecordLedger(ctx context.Context, listingID string, ledger []domain.PriceEvent) error {
	if len(ledger) == 0 {
		return nil
	}
	rows := make([]priceEventRow, len(ledger))
	for i, e := range ledger {
		rows[i] = priceEventFromDomain(e)
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rows).Error
}

// GetLedger returns the stored ledger of a listing in sequence order.
func (s *Storage) GetLedger(ctx context.Context, listingID string) ([]domain.PriceEvent, error) {
	var rows []priceEventRow
	err := s.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.PriceEvent, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// RecordCommitments upserts the listing's commitment rows.
func (s *Storage) RecordCommitments(ctx context.Context, listingID string, commitments []domain.Commitment) error {
	if len(commitments) == 0 {
		return nil
	}
	rows := make([]commitmentRow, len(commitments))
	for i, c := range commitments {
		rows[i] = commitmentFromDomain(c)
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "listing_id"}, {Name: "bidder_id"}},
			UpdateAll: true,
		}).
		Create(&rows).Error
}

// GetCommitments returns the stored commitments of a listing, by bidder.
func (s *Storage) GetCommitments(ctx context.Context, listingID string) ([]domain.Commitment, error) {
	var rows []commitmentRow
	err := s.db.WithContext(ctx).
		Where("listing_id = ?", listingID).
		Order("bidder_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]domain.Commitment, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// ======================================================================================
// Settlements
// ======================================================================================

// SaveSettlement archives a settlement. A listing keeps its first settlement.
func (s *Storage) SaveSettlement(ctx context.Context, st domain.Settlement) error {
	row := settlementFromDomain(st)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "listing_id"}}, DoNothing: true}).
		Create(&row).Error
}

// LoadSettlements returns every archived settlement.
func (s *Storage) LoadSettlements(ctx context.Context) ([]domain.Settlement, error) {
	var rows []settlementRow
	if err := s.db.WithContext(ctx).Order("settled_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Settlement, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// ======================================================================================
// Reputation
// ======================================================================================

// ReputationScore returns a bidder's score. Unknown bidders score 0.
func (s *Storage) ReputationScore(ctx context.Context, userID string) (float64, error) {
	var rep BidderReputation
	err := s.db.WithContext(ctx).First(&rep, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, domain.NewNetworkError("reputation", err)
	}
	return rep.Score, nil
}

// SetReputation creates or updates a bidder's score.
func (s *Storage) SetReputation(ctx context.Context, userID string, score float64) error {
	rep := BidderReputation{UserID: userID, Score: score, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Save(&rep).Error
}
