package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aman-churiwal/quotagate/internal/models"
	"github.com/aman-churiwal/quotagate/internal/quota"
	"github.com/aman-churiwal/quotagate/internal/storage"
)

// PostgresStore keeps balances in the quota_balances table. Reserve is a
// conditional UPDATE; settle paths lock the row with SELECT ... FOR UPDATE.
type PostgresStore struct {
	db *storage.Postgres
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db *storage.Postgres) *PostgresStore {
	return &PostgresStore{db: db}
}

func toBalance(row models.QuotaBalance) Balance {
	return Balance{
		Identity:  row.Identity,
		Available: row.Available,
		Reserved:  row.Reserved,
		UpdatedAt: row.UpdatedAt,
	}
}

func ensureRow(tx *gorm.DB, identity string, initial int64) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.QuotaBalance{
		Identity:  identity,
		Available: initial,
		UpdatedAt: time.Now().UTC(),
	}).Error
}

func (s *PostgresStore) Reserve(ctx context.Context, identity string, amount, floor, initial int64) (Balance, error) {
	var row models.QuotaBalance
	var insufficient bool

	err := s.db.Transaction(ctx, func(tx *gorm.DB) error {
		if err := ensureRow(tx, identity, initial); err != nil {
			return err
		}

		res := tx.Model(&models.QuotaBalance{}).
			// numeric so a huge amount is denied instead of overflowing bigint
			Where("identity = ? AND ? <= available::numeric - ?", identity, amount, floor).
			Updates(map[string]interface{}{
				"available":  gorm.Expr("available - ?", amount),
				"reserved":   gorm.Expr("reserved + ?", amount),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		insufficient = res.RowsAffected == 0

		return tx.Where("identity = ?", identity).First(&row).Error
	})
	if err != nil {
		return Balance{}, fmt.Errorf("ledger/postgres: reserve: %w", err)
	}
	if insufficient {
		return toBalance(row), quota.ErrInsufficientBalance
	}
	return toBalance(row), nil
}

// lockRow loads a balance under a row lock. found is false when the balance
// has been deleted.
func lockRow(tx *gorm.DB, identity string, row *models.QuotaBalance) (bool, error) {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("identity = ?", identity).
		First(row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *PostgresStore) Commit(ctx context.Context, identity string, reserved, actual, floor int64) (CommitResult, error) {
	result := CommitResult{Balance: Balance{Identity: identity}}

	err := s.db.Transaction(ctx, func(tx *gorm.DB) error {
		var row models.QuotaBalance
		found, err := lockRow(tx, identity, &row)
		if err != nil || !found {
			return err
		}

		b := toBalance(row)
		result.Charged = applyCommit(&b, reserved, actual, floor)
		result.Found = true

		row.Available, row.Reserved, row.UpdatedAt = b.Available, b.Reserved, time.Now().UTC()
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		result.Balance = toBalance(row)
		return nil
	})
	if err != nil {
		return CommitResult{}, fmt.Errorf("ledger/postgres: commit: %w", err)
	}
	return result, nil
}

func (s *PostgresStore) Release(ctx context.Context, identity string, amount int64) (Balance, error) {
	out := Balance{Identity: identity}

	err := s.db.Transaction(ctx, func(tx *gorm.DB) error {
		var row models.QuotaBalance
		found, err := lockRow(tx, identity, &row)
		if err != nil || !found {
			return err
		}

		b := toBalance(row)
		applyRelease(&b, amount)

		row.Available, row.Reserved, row.UpdatedAt = b.Available, b.Reserved, time.Now().UTC()
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		out = toBalance(row)
		return nil
	})
	if err != nil {
		return Balance{}, fmt.Errorf("ledger/postgres: release: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) TopUp(ctx context.Context, identity string, amount, initial int64) (Balance, error) {
	var row models.QuotaBalance

	err := s.db.Transaction(ctx, func(tx *gorm.DB) error {
		if err := ensureRow(tx, identity, initial); err != nil {
			return err
		}
		err := tx.Model(&models.QuotaBalance{}).
			Where("identity = ?", identity).
			Updates(map[string]interface{}{
				"available":  gorm.Expr("available + ?", amount),
				"updated_at": time.Now().UTC(),
			}).Error
		if err != nil {
			return err
		}
		return tx.Where("identity = ?", identity).First(&row).Error
	})
	if err != nil {
		return Balance{}, fmt.Errorf("ledger/postgres: top up: %w", err)
	}
	return toBalance(row), nil
}

func (s *PostgresStore) Get(ctx context.Context, identity string) (Balance, bool, error) {
	var row models.QuotaBalance
	err := s.db.DB.WithContext(ctx).Where("identity = ?", identity).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Balance{}, false, nil
	}
	if err != nil {
		return Balance{}, false, fmt.Errorf("ledger/postgres: get: %w", err)
	}
	return toBalance(row), true, nil
}

func (s *PostgresStore) Delete(ctx context.Context, identity string) error {
	err := s.db.DB.WithContext(ctx).
		Where("identity = ?", identity).
		Delete(&models.QuotaBalance{}).Error
	if err != nil {
		return fmt.Errorf("ledger/postgres: delete: %w", err)
	}
	return nil
}
