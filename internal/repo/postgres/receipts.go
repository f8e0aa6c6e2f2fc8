package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/animus-labs/animus-validations/internal/domain"
	"github.com/animus-labs/animus-validations/internal/repo"
)

// ReceiptStore implements the callback receipt ledger. AcquireReceipt must
// run inside Store.InTx so the row lock lives until commit.
type ReceiptStore struct {
	db          DB
	lockTimeout time.Duration
	inTx        bool
}

const receiptColumns = `callback_id, run_id, step_run_id, status, result_location, received_at, completed_at`

const (
	setLockTimeoutQuery = `SELECT set_config('lock_timeout', $1, true)`

	lockReceiptQuery = `SELECT ` + receiptColumns + ` FROM callback_receipts
	 WHERE callback_id = $1
	 FOR UPDATE NOWAIT`

	insertReceiptQuery = `INSERT INTO callback_receipts (
		callback_id,
		run_id,
		status,
		result_location,
		received_at
	) VALUES ($1,$2,'PROCESSING',$3,$4)
	ON CONFLICT (callback_id) DO NOTHING
	RETURNING ` + receiptColumns

	attachReceiptStepRunQuery = `UPDATE callback_receipts SET step_run_id = $2 WHERE callback_id = $1`

	completeReceiptQuery = `UPDATE callback_receipts
	 SET status = 'COMPLETED',
	     completed_at = COALESCE(completed_at, $2)
	 WHERE callback_id = $1`
)

func (s *ReceiptStore) AcquireReceipt(ctx context.Context, receipt domain.CallbackReceipt) (domain.CallbackReceipt, bool, error) {
	if s == nil || s.db == nil {
		return domain.CallbackReceipt{}, false, fmt.Errorf("receipt store not initialized")
	}
	if !s.inTx {
		return domain.CallbackReceipt{}, false, errors.New("acquire receipt requires a transaction")
	}
	callbackID := strings.TrimSpace(receipt.CallbackID)
	if callbackID == "" {
		return domain.CallbackReceipt{}, false, fmt.Errorf("callback id is required")
	}
	if strings.TrimSpace(receipt.RunID) == "" {
		return domain.CallbackReceipt{}, false, fmt.Errorf("run id is required")
	}

	if s.lockTimeout > 0 {
		var applied string
		if err := s.db.QueryRowContext(ctx, setLockTimeoutQuery, fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())).Scan(&applied); err != nil {
			return domain.CallbackReceipt{}, false, fmt.Errorf("set lock timeout: %w", err)
		}
	}

	existing, err := s.lock(ctx, callbackID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.CallbackReceipt{}, false, err
	}

	inserted, err := scanReceipt(s.db.QueryRowContext(ctx, insertReceiptQuery,
		callbackID,
		strings.TrimSpace(receipt.RunID),
		nullIfEmpty(receipt.ResultLocation),
		normalizeTime(receipt.ReceivedAt),
	))
	if err == nil {
		return inserted, true, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.CallbackReceipt{}, false, mapPgError("insert receipt", err)
	}

	// A concurrent request committed the same id between lock and insert.
	existing, err = s.lock(ctx, callbackID)
	if err != nil {
		return domain.CallbackReceipt{}, false, err
	}
	return existing, false, nil
}

func (s *ReceiptStore) lock(ctx context.Context, callbackID string) (domain.CallbackReceipt, error) {
	receipt, err := scanReceipt(s.db.QueryRowContext(ctx, lockReceiptQuery, callbackID))
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.CallbackReceipt{}, mapPgError("lock receipt", err)
	}
	return receipt, err
}

func (s *ReceiptStore) AttachStepRun(ctx context.Context, callbackID, stepRunID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("receipt store not initialized")
	}
	res, err := s.db.ExecContext(ctx, attachReceiptStepRunQuery, strings.TrimSpace(callbackID), strings.TrimSpace(stepRunID))
	if err != nil {
		return mapPgError("attach receipt step run", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (s *ReceiptStore) CompleteReceipt(ctx context.Context, callbackID string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("receipt store not initialized")
	}
	res, err := s.db.ExecContext(ctx, completeReceiptQuery, strings.TrimSpace(callbackID), normalizeTime(at))
	if err != nil {
		return fmt.Errorf("complete receipt: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func scanReceipt(scanner rowScanner) (domain.CallbackReceipt, error) {
	var (
		r           domain.CallbackReceipt
		stepRunID   sql.NullString
		status      string
		location    sql.NullString
		completedAt sql.NullTime
	)
	if err := scanner.Scan(&r.CallbackID, &r.RunID, &stepRunID, &status, &location, &r.ReceivedAt, &completedAt); err != nil {
		return domain.CallbackReceipt{}, handleNotFound(err)
	}
	r.StepRunID = stepRunID.String
	r.Status = domain.ReceiptStatus(status)
	r.ResultLocation = location.String
	r.ReceivedAt = r.ReceivedAt.UTC()
	r.CompletedAt = timePtr(completedAt)
	return r, nil
}
