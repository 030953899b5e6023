package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stencilworks/tally/internal/quota/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) EnsureCounter(ctx context.Context, db *gorm.DB, id snowflake.ID, accountID, class, periodKey string) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Exec(
		`INSERT INTO usage_counters (
			id, account_id, operation_class, period_key, count, created_at, updated_at
		) VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (account_id, operation_class, period_key) DO NOTHING`,
		id,
		accountID,
		class,
		periodKey,
		now,
		now,
	).Error
}

func (r *repo) TryConsume(ctx context.Context, db *gorm.DB, accountID, class, periodKey string, amount, limit int64) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE usage_counters
		 SET count = count + ?, updated_at = ?
		 WHERE account_id = ? AND operation_class = ? AND period_key = ?
		   AND count + ? <= ?`,
		amount,
		time.Now().UTC(),
		accountID,
		class,
		periodKey,
		amount,
		limit,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ForceConsume(ctx context.Context, db *gorm.DB, accountID, class, periodKey string, amount int64) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_counters
		 SET count = count + ?, updated_at = ?
		 WHERE account_id = ? AND operation_class = ? AND period_key = ?`,
		amount,
		time.Now().UTC(),
		accountID,
		class,
		periodKey,
	).Error
}

func (r *repo) CurrentCount(ctx context.Context, db *gorm.DB, accountID, class, periodKey string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(count), 0)
		 FROM usage_counters
		 WHERE account_id = ? AND operation_class = ? AND period_key = ?`,
		accountID,
		class,
		periodKey,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (r *repo) EnsureAllowance(ctx context.Context, db *gorm.DB, id snowflake.ID, accountID, featureKey string, cap int) error {
	now := time.Now().UTC()
	return db.WithContext(ctx).Exec(
		`INSERT INTO trial_allowances (
			id, account_id, feature_key, used, cap, created_at, updated_at
		) VALUES (?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT (account_id, feature_key) DO NOTHING`,
		id,
		accountID,
		featureKey,
		cap,
		now,
		now,
	).Error
}

func (r *repo) TryConsumeTrial(ctx context.Context, db *gorm.DB, accountID, featureKey string) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE trial_allowances
		 SET used = used + 1, updated_at = ?
		 WHERE account_id = ? AND feature_key = ? AND used < cap`,
		time.Now().UTC(),
		accountID,
		featureKey,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindAllowance(ctx context.Context, db *gorm.DB, accountID, featureKey string) (*domain.TrialAllowance, error) {
	var item domain.TrialAllowance
	err := db.WithContext(ctx).Raw(
		`SELECT id, account_id, feature_key, used, cap, created_at, updated_at
		 FROM trial_allowances
		 WHERE account_id = ? AND feature_key = ?
		 LIMIT 1`,
		accountID,
		featureKey,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}
