package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/djlord-it/easy-blast/internal/campaigns"
	"github.com/djlord-it/easy-blast/internal/completion"
	"github.com/djlord-it/easy-blast/internal/delivery"
	"github.com/djlord-it/easy-blast/internal/dispatch"
	"github.com/djlord-it/easy-blast/internal/domain"
	"github.com/djlord-it/easy-blast/internal/reconciler"
	"github.com/djlord-it/easy-blast/internal/scheduler"
)

// One Store serves every consumer-side interface in the pipeline.
var (
	_ campaigns.Store  = (*Store)(nil)
	_ scheduler.Store  = (*Store)(nil)
	_ dispatch.Store   = (*Store)(nil)
	_ delivery.Store   = (*Store)(nil)
	_ completion.Store = (*Store)(nil)
	_ reconciler.Store = (*Store)(nil)
)

// Store implements the campaign and delivery persistence used by the
// scheduler, the dispatch and delivery workers, the campaign service
// and the ops API, backed by PostgreSQL.
//
// Every state transition is a conditional UPDATE guarded by the
// expected current status. PostgreSQL acquires the row lock before
// evaluating WHERE, so concurrent writers serialize on the row and at
// most one of them observes rows-affected = 1.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL store with the given database connection.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateCampaign inserts a new campaign.
// Returns campaigns.ErrDuplicateCampaign if the ID already exists.
func (s *Store) CreateCampaign(ctx context.Context, c domain.Campaign) error {
	_, err := s.db.ExecContext(ctx, queryInsertCampaign,
		c.ID,
		c.UserID,
		c.Name,
		c.Subject,
		c.Content,
		pq.Array(c.Recipients),
		string(c.Status),
		c.ScheduledAt,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return campaigns.ErrDuplicateCampaign
		}
		return err
	}
	return nil
}

// GetCampaign returns a campaign by ID.
// Returns campaigns.ErrNotFound if no such campaign exists.
func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (domain.Campaign, error) {
	c, err := scanCampaign(s.db.QueryRowContext(ctx, queryGetCampaign, id))
	if err == sql.ErrNoRows {
		return domain.Campaign{}, campaigns.ErrNotFound
	}
	return c, err
}

// ListCampaigns returns a user's campaigns, newest first.
func (s *Store) ListCampaigns(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, queryListCampaigns, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// ScheduleCampaign moves a DRAFT or SCHEDULED campaign to SCHEDULED at
// the given time. Returns false when the campaign is in any other
// state, including not existing at all.
func (s *Store) ScheduleCampaign(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return s.guardedUpdate(ctx, queryScheduleCampaign, id, at.UTC())
}

// CancelSchedule returns a SCHEDULED campaign to DRAFT and clears its
// scheduled time. Returns false if the campaign was not SCHEDULED.
func (s *Store) CancelSchedule(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.guardedUpdate(ctx, queryCancelSchedule, id)
}

// FindDueCampaigns returns SCHEDULED campaigns whose scheduled time is
// at or before now, oldest first.
func (s *Store) FindDueCampaigns(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, queryFindDueCampaigns, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// ClaimForDispatch atomically moves a campaign from SCHEDULED to
// SENDING. Exactly one of any number of concurrent claimants gets
// true; the rest get false.
func (s *Store) ClaimForDispatch(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.guardedUpdate(ctx, queryClaimForDispatch, id)
}

// ExpandCampaign creates the per-recipient delivery rows for a
// campaign, exactly once per campaign regardless of how many times the
// dispatch job runs. The first caller flips dispatch_claimed and
// inserts one QUEUED delivery per recipient in the same transaction;
// every later caller gets the existing rows back with claimed = false.
func (s *Store) ExpandCampaign(ctx context.Context, id uuid.UUID, recipients []string) ([]domain.Delivery, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, queryClaimExpansion, id)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	if n == 0 {
		// Already expanded; hand the existing rows back so a retried
		// dispatch can re-enqueue their email jobs idempotently.
		existing, err := listDeliveriesTx(ctx, tx, id)
		if err != nil {
			return nil, false, err
		}
		if err := tx.Commit(); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	now := time.Now().UTC()
	deliveries := make([]domain.Delivery, 0, len(recipients))
	for _, recipient := range recipients {
		d := domain.Delivery{
			ID:         uuid.New(),
			CampaignID: id,
			Recipient:  recipient,
			Status:     domain.DeliveryStatusQueued,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if _, err := tx.ExecContext(ctx, queryInsertDelivery, d.ID, d.CampaignID, d.Recipient, now); err != nil {
			return nil, false, err
		}
		deliveries = append(deliveries, d)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return deliveries, true, nil
}

// MarkCampaignFailed moves a non-terminal campaign to FAILED. Returns
// false if the campaign was already SENT or FAILED.
func (s *Store) MarkCampaignFailed(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.guardedUpdate(ctx, queryMarkCampaignFailed, id)
}

// CompleteCampaign atomically moves a campaign from SENDING to SENT
// with the given completion time. At most one of any number of
// concurrent callers gets true, which makes it safe to hang the
// completion side effects off the return value.
func (s *Store) CompleteCampaign(ctx context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return s.guardedUpdate(ctx, queryCompleteCampaign, id, at.UTC())
}

// FindStuckCampaigns returns campaigns that have sat in SENDING with
// no progress since before the cutoff, oldest first.
func (s *Store) FindStuckCampaigns(ctx context.Context, updatedBefore time.Time, limit int) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, queryFindStuckCampaigns, updatedBefore.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// MarkDeliverySent moves a QUEUED delivery to SENT. Returns false if
// the delivery already left QUEUED, so a duplicate job execution
// cannot double-count a send.
func (s *Store) MarkDeliverySent(ctx context.Context, id uuid.UUID, attempts int, at time.Time) (bool, error) {
	return s.guardedUpdate(ctx, queryMarkDeliverySent, id, attempts, at.UTC())
}

// RecordDeliveryError stores the latest attempt count and error on a
// still-QUEUED delivery without changing its status.
func (s *Store) RecordDeliveryError(ctx context.Context, id uuid.UUID, attempts int, errMsg string) error {
	_, err := s.db.ExecContext(ctx, queryRecordDeliveryError, id, attempts, errMsg)
	return err
}

// MarkDeliveryFailed moves a QUEUED delivery to FAILED with its final
// error. Returns false if the delivery already left QUEUED.
func (s *Store) MarkDeliveryFailed(ctx context.Context, id uuid.UUID, attempts int, errMsg string) (bool, error) {
	return s.guardedUpdate(ctx, queryMarkDeliveryFailed, id, attempts, errMsg)
}

// CountDeliveries groups one campaign's deliveries by status.
func (s *Store) CountDeliveries(ctx context.Context, campaignID uuid.UUID) (domain.DeliveryCounts, error) {
	rows, err := s.db.QueryContext(ctx, queryCountDeliveries, campaignID)
	if err != nil {
		return domain.DeliveryCounts{}, err
	}
	defer rows.Close()

	var counts domain.DeliveryCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return domain.DeliveryCounts{}, err
		}
		switch domain.DeliveryStatus(status) {
		case domain.DeliveryStatusPending:
			counts.Pending = n
		case domain.DeliveryStatusQueued:
			counts.Queued = n
		case domain.DeliveryStatusSent:
			counts.Sent = n
		case domain.DeliveryStatusFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// ListDeliveries returns one campaign's deliveries, oldest first.
func (s *Store) ListDeliveries(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]domain.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, queryListDeliveriesPage, campaignID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// guardedUpdate runs a status-guarded UPDATE and reports whether the
// guard matched.
func (s *Store) guardedUpdate(ctx context.Context, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (domain.Campaign, error) {
	var c domain.Campaign
	var status string
	err := row.Scan(
		&c.ID,
		&c.UserID,
		&c.Name,
		&c.Subject,
		&c.Content,
		pq.Array(&c.Recipients),
		&status,
		&c.DispatchClaimed,
		&c.ScheduledAt,
		&c.SentAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return domain.Campaign{}, err
	}
	c.Status = domain.CampaignStatus(status)
	return c, nil
}

func scanDelivery(row rowScanner) (domain.Delivery, error) {
	var d domain.Delivery
	var status string
	err := row.Scan(
		&d.ID,
		&d.CampaignID,
		&d.Recipient,
		&status,
		&d.Attempts,
		&d.Error,
		&d.SentAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return domain.Delivery{}, err
	}
	d.Status = domain.DeliveryStatus(status)
	return d, nil
}

func listDeliveriesTx(ctx context.Context, tx *sql.Tx, campaignID uuid.UUID) ([]domain.Delivery, error) {
	rows, err := tx.QueryContext(ctx, queryListDeliveriesByCampaign, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	errStr := err.Error()
	return strings.Contains(errStr, "23505") || strings.Contains(errStr, "duplicate key")
}
