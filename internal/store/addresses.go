package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/models"
)

type CreateAddressRequest struct {
	UserID        int64
	FullName      string
	StreetAddress string
	City          string
	State         string
	ZipCode       string
	Country       string
	IsDefault     bool
}

func (r CreateAddressRequest) validate() error {
	var missing []string
	for name, value := range map[string]string{
		"full_name":      r.FullName,
		"street_address": r.StreetAddress,
		"city":           r.City,
		"state":          r.State,
		"zip_code":       r.ZipCode,
	} {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: missing required address fields: %s", database.ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

const addressColumns = `id, user_id, full_name, street_address, city, state, zip_code, country, is_default, created_at`

func scanAddress(row interface{ Scan(...any) error }, addr *models.Address) error {
	return row.Scan(
		&addr.ID,
		&addr.UserID,
		&addr.FullName,
		&addr.StreetAddress,
		&addr.City,
		&addr.State,
		&addr.ZipCode,
		&addr.Country,
		&addr.IsDefault,
		&addr.CreatedAt,
	)
}

// CreateAddress stores a new address. Marking it default clears the user's
// previous default in the same transaction.
func CreateAddress(ctx context.Context, db *sql.DB, req CreateAddressRequest) (*models.Address, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Country == "" {
		req.Country = "USA"
	}

	addr := &models.Address{}

	err := database.WithTransaction(ctx, db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		if err := ensureUserExists(ctx, tx, req.UserID); err != nil {
			return err
		}

		if req.IsDefault {
			_, err := tx.ExecContext(ctx,
				`UPDATE addresses SET is_default = FALSE WHERE user_id = $1 AND is_default`,
				req.UserID)
			if err != nil {
				return fmt.Errorf("clear default address: %w", err)
			}
		}

		row := tx.QueryRowContext(ctx,
			`INSERT INTO addresses (user_id, full_name, street_address, city, state, zip_code, country, is_default, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
			 RETURNING `+addressColumns,
			req.UserID, req.FullName, req.StreetAddress, req.City, req.State, req.ZipCode, req.Country, req.IsDefault)
		if err := scanAddress(row, addr); err != nil {
			return fmt.Errorf("create address: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return addr, nil
}

// GetAddress returns ErrAddressNotFound both when the address is missing and
// when it belongs to another user.
func GetAddress(ctx context.Context, q database.Querier, userID, addressID int64) (*models.Address, error) {
	addr := &models.Address{}

	row := q.QueryRowContext(ctx,
		`SELECT `+addressColumns+` FROM addresses WHERE id = $1 AND user_id = $2`,
		addressID, userID)
	if err := scanAddress(row, addr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrAddressNotFound
		}
		return nil, fmt.Errorf("get address: %w", err)
	}

	return addr, nil
}

func ListAddresses(ctx context.Context, q database.Querier, userID int64) ([]models.Address, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+addressColumns+` FROM addresses WHERE user_id = $1 ORDER BY is_default DESC, id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	defer rows.Close()

	addresses := []models.Address{}
	for rows.Next() {
		var addr models.Address
		if err := scanAddress(rows, &addr); err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		addresses = append(addresses, addr)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return addresses, nil
}
