package repo

import (
	"context"
	"errors"

	"csms/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type TariffsRepo struct{ db *pgxpool.Pool }

func NewTariffsRepo(db *pgxpool.Pool) *TariffsRepo { return &TariffsRepo{db: db} }

// UpsertActiveForDevice deactivates any previous active tariff for the
// device, then inserts the new one.
func (r *TariffsRepo) UpsertActiveForDevice(ctx context.Context, deviceId string, baseRate, taxPercent float64, currency string) (string, error) {
	_, err := r.db.Exec(ctx, `update tariffs set is_active=false, updated_at=now() where device_id=$1 and is_active=true`, deviceId)
	if err != nil {
		return "", err
	}
	row := r.db.QueryRow(ctx, `
		insert into tariffs (device_id, base_rate, tax_percent, currency, is_active)
		values ($1,$2,$3,$4,true)
		returning tariff_id
	`, deviceId, baseRate, taxPercent, currency)
	var id string
	if err := row.Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

func (r *TariffsRepo) ActiveForDevice(ctx context.Context, deviceId string) (*models.Tariff, error) {
	row := r.db.QueryRow(ctx, `
		select tariff_id, device_id, base_rate::float8, tax_percent::float8, currency, is_active, created_at, updated_at
		from tariffs
		where device_id=$1 and is_active=true
		order by created_at desc
		limit 1
	`, deviceId)
	var t models.Tariff
	if err := row.Scan(&t.TariffId, &t.DeviceId, &t.BaseRate, &t.TaxPercent, &t.Currency, &t.IsActive, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}
