package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/CallMeGwei/paycheck/internal/models"
	"github.com/CallMeGwei/paycheck/internal/repository"
)

var (
	ErrDeviceNotFound         = errors.New("device not found")
	ErrDeviceLimitReached     = errors.New("device limit reached")
	ErrActivationLimitReached = errors.New("activation limit reached")
)

// DeviceService is the device acquisition engine. Every decision to grant,
// renew, or reject an activation happens inside one transaction holding a
// row lock on the license.
type DeviceService struct {
	db *repository.PostgresDB
}

// NewDeviceService creates a new device service
func NewDeviceService(db *repository.PostgresDB) *DeviceService {
	return &DeviceService{db: db}
}

// AcquireResult reports the outcome of AcquireDevice.
type AcquireResult struct {
	Device  *models.Device
	Created bool
}

// AcquireDevice grants or renews an activation:
//
//  1. An existing (license_id, device_id) row gets its jti rotated and
//     last_seen_at bumped — the renewal path, idempotent by construction.
//  2. A new device is admitted only if the device count and the lifetime
//     activation count are both under their limits (0 = unlimited), then
//     inserted with activation_count incremented in the same transaction.
//
// The FOR UPDATE lock on the license row is taken before any check so two
// concurrent redemptions at count = limit-1 serialize instead of both
// passing the check.
func (s *DeviceService) AcquireDevice(ctx context.Context, licenseID uuid.UUID, deviceID string, deviceType models.DeviceType, newJTI, name string, deviceLimit, activationLimit int) (*AcquireResult, error) {
	var result *AcquireResult
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		var activationCount int
		err := tx.QueryRow(ctx,
			"SELECT activation_count FROM licenses WHERE id = $1 AND deleted_at IS NULL FOR UPDATE",
			licenseID).Scan(&activationCount)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLicenseNotFound
		}
		if err != nil {
			return err
		}

		now := nowUnix()

		var d models.Device
		err = tx.QueryRow(ctx, `
			SELECT id, license_id, device_id, device_type, name, jti, activated_at, last_seen_at
			FROM devices WHERE license_id = $1 AND device_id = $2
		`, licenseID, deviceID).Scan(&d.ID, &d.LicenseID, &d.DeviceID, &d.DeviceType, &d.Name,
			&d.JTI, &d.ActivatedAt, &d.LastSeenAt)
		if err == nil {
			if _, err := tx.Exec(ctx,
				"UPDATE devices SET jti = $1, last_seen_at = $2 WHERE id = $3",
				newJTI, now, d.ID); err != nil {
				return err
			}
			d.JTI = newJTI
			d.LastSeenAt = now
			result = &AcquireResult{Device: &d, Created: false}
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		var deviceCount int
		if err := tx.QueryRow(ctx,
			"SELECT COUNT(*) FROM devices WHERE license_id = $1", licenseID).Scan(&deviceCount); err != nil {
			return err
		}
		if deviceLimit > 0 && deviceCount >= deviceLimit {
			return ErrDeviceLimitReached
		}
		if activationLimit > 0 && activationCount >= activationLimit {
			return ErrActivationLimitReached
		}

		created := models.Device{
			ID:          uuid.New(),
			LicenseID:   licenseID,
			DeviceID:    deviceID,
			DeviceType:  deviceType,
			Name:        name,
			JTI:         newJTI,
			ActivatedAt: now,
			LastSeenAt:  now,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO devices (id, license_id, device_id, device_type, name, jti, activated_at, last_seen_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, created.ID, created.LicenseID, created.DeviceID, created.DeviceType, created.Name,
			created.JTI, created.ActivatedAt, created.LastSeenAt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			"UPDATE licenses SET activation_count = activation_count + 1 WHERE id = $1", licenseID); err != nil {
			return err
		}
		result = &AcquireResult{Device: &created, Created: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetDeviceByJTI locates a device by its current token identifier.
func (s *DeviceService) GetDeviceByJTI(ctx context.Context, jti string) (*models.Device, error) {
	var d models.Device
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, license_id, device_id, device_type, name, jti, activated_at, last_seen_at
		FROM devices WHERE jti = $1
	`, jti).Scan(&d.ID, &d.LicenseID, &d.DeviceID, &d.DeviceType, &d.Name,
		&d.JTI, &d.ActivatedAt, &d.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDevices returns all devices holding a license.
func (s *DeviceService) ListDevices(ctx context.Context, licenseID uuid.UUID) ([]models.Device, error) {
	rows, err := s.db.Pool().Query(ctx, `
		SELECT id, license_id, device_id, device_type, name, jti, activated_at, last_seen_at
		FROM devices WHERE license_id = $1 ORDER BY activated_at ASC
	`, licenseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := make([]models.Device, 0)
	for rows.Next() {
		var d models.Device
		if err := rows.Scan(&d.ID, &d.LicenseID, &d.DeviceID, &d.DeviceType, &d.Name,
			&d.JTI, &d.ActivatedAt, &d.LastSeenAt); err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// CountDevices returns the number of devices holding a license.
func (s *DeviceService) CountDevices(ctx context.Context, licenseID uuid.UUID) (int, error) {
	var count int
	err := s.db.Pool().QueryRow(ctx,
		"SELECT COUNT(*) FROM devices WHERE license_id = $1", licenseID).Scan(&count)
	return count, err
}

// DeactivateDevice revokes the device's current jti on the license, then
// removes the device row. activation_count is untouched: it tracks lifetime
// activations, not current devices.
func (s *DeviceService) DeactivateDevice(ctx context.Context, licenseID uuid.UUID, deviceID string) (int, error) {
	var remaining int
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"SELECT id FROM licenses WHERE id = $1 FOR UPDATE", licenseID); err != nil {
			return err
		}

		var jti string
		err := tx.QueryRow(ctx,
			"SELECT jti FROM devices WHERE license_id = $1 AND device_id = $2",
			licenseID, deviceID).Scan(&jti)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrDeviceNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			"UPDATE licenses SET revoked_jtis = array_append(revoked_jtis, $1) WHERE id = $2",
			jti, licenseID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			"DELETE FROM devices WHERE license_id = $1 AND device_id = $2",
			licenseID, deviceID); err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			"SELECT COUNT(*) FROM devices WHERE license_id = $1", licenseID).Scan(&remaining)
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// TouchDevice bumps last_seen_at. Best-effort: validate callers ignore the
// error, the timestamp is never read for correctness decisions.
func (s *DeviceService) TouchDevice(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Pool().Exec(ctx,
		"UPDATE devices SET last_seen_at = $1 WHERE id = $2", nowUnix(), id)
	if err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}
