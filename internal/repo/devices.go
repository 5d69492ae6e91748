package repo

import (
	"context"
	"errors"
	"time"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type DevicesRepo struct{ db *pgxpool.Pool }

func NewDevicesRepo(db *pgxpool.Pool) *DevicesRepo { return &DevicesRepo{db: db} }

func (r *DevicesRepo) Get(ctx context.Context, deviceId string) (*models.Device, error) {
	row := r.db.QueryRow(ctx, `
		select device_id, coalesce(vendor,''), coalesce(model,''), coalesce(serial_number,''),
		       coalesce(firmware_version,''), coalesce(ocpp_version,'1.6J'),
		       created_at, updated_at, last_seen_at
		from devices where device_id=$1
	`, deviceId)

	var d models.Device
	if err := row.Scan(&d.DeviceId, &d.Vendor, &d.Model, &d.SerialNumber, &d.FirmwareVersion,
		&d.OcppVersion, &d.CreatedAt, &d.UpdatedAt, &d.LastSeenAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

// CreateOrFetch returns the directory record, inserting a bare row when the
// device is unknown.
func (r *DevicesRepo) CreateOrFetch(ctx context.Context, deviceId string) (*models.Device, error) {
	_, err := r.db.Exec(ctx, `
		insert into devices (device_id) values ($1)
		on conflict (device_id) do nothing
	`, deviceId)
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, deviceId)
}

// FillMetadata writes only unset fields; a previously learned value is
// never overwritten.
func (r *DevicesRepo) FillMetadata(ctx context.Context, deviceId string, meta models.DeviceMetadata) error {
	_, err := r.db.Exec(ctx, `
		update devices set
		  vendor=coalesce(nullif(vendor,''), nullif($2,'')),
		  model=coalesce(nullif(model,''), nullif($3,'')),
		  serial_number=coalesce(nullif(serial_number,''), nullif($4,'')),
		  firmware_version=coalesce(nullif(firmware_version,''), nullif($5,'')),
		  updated_at=now()
		where device_id=$1
	`, deviceId, meta.Vendor, meta.Model, meta.SerialNumber, meta.FirmwareVersion)
	return err
}

func (r *DevicesRepo) TouchLastSeen(ctx context.Context, deviceId string, t time.Time) error {
	_, err := r.db.Exec(ctx, `
		update devices set last_seen_at=$2, updated_at=now() where device_id=$1
	`, deviceId, t)
	return err
}
