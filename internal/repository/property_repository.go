package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ferienwerk/channelmanager/internal/model"
)

// PropertyRepository reads the property records owned by the PMS core.
type PropertyRepository struct {
	pool *pgxpool.Pool
}

// NewPropertyRepository creates a new property repository.
func NewPropertyRepository(pool *pgxpool.Pool) *PropertyRepository {
	return &PropertyRepository{pool: pool}
}

const propertyColumns = `
	id, tenant_id, name, address, city, country, base_price, cleaning_fee,
	currency, tax_rate, tax_included, min_stay, max_stay, max_guests,
	status, created_at, updated_at`

func scanProperty(row interface{ Scan(...any) error }) (*model.Property, error) {
	p := &model.Property{}
	err := row.Scan(
		&p.ID, &p.TenantID, &p.Name, &p.Address, &p.City, &p.Country, &p.BasePrice, &p.CleaningFee,
		&p.Currency, &p.TaxRate, &p.TaxIncluded, &p.MinStay, &p.MaxStay, &p.MaxGuests,
		&p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetByID returns one property or ErrNotFound.
func (r *PropertyRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Property, error) {
	p, err := scanProperty(r.pool.QueryRow(ctx, `SELECT`+propertyColumns+` FROM properties WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get property %s: %w", id, notFound(err))
	}
	return p, nil
}

// ListActive returns all bookable properties, used by the reconciliation
// sweep.
func (r *PropertyRepository) ListActive(ctx context.Context) ([]*model.Property, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT`+propertyColumns+` FROM properties WHERE status = 'active' ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list active properties: %w", err)
	}
	defer rows.Close()

	var props []*model.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, fmt.Errorf("scan property: %w", err)
		}
		props = append(props, p)
	}
	return props, rows.Err()
}
