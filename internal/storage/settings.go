package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SaveDeliverySettings replaces the delivery settings row.
func (s *Store) SaveDeliverySettings(ctx context.Context, ds DeliverySettings) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM delivery_settings`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO delivery_settings (id, webhook_url, schedule_time, erase_after, updated_at)
			VALUES (1, ?, ?, ?, ?)`,
			ds.WebhookURL, ds.ScheduleTime, boolToInt(ds.EraseAfter), formatTime(time.Now()),
		)
		return err
	})
}

// GetDeliverySettings returns the current delivery settings, or ErrNotFound
// when none have been saved (or they were erased after delivery).
func (s *Store) GetDeliverySettings(ctx context.Context) (DeliverySettings, error) {
	var ds DeliverySettings
	var erase int
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT webhook_url, schedule_time, erase_after, updated_at
		FROM delivery_settings WHERE id = 1`,
	).Scan(&ds.WebhookURL, &ds.ScheduleTime, &erase, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DeliverySettings{}, ErrNotFound
	}
	if err != nil {
		return DeliverySettings{}, err
	}
	ds.EraseAfter = erase != 0
	if ds.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return DeliverySettings{}, err
	}
	return ds, nil
}

// ClearDeliverySettings deletes the delivery settings row.
func (s *Store) ClearDeliverySettings(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM delivery_settings`)
	return err
}
