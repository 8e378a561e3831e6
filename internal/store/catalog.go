package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/safar/storefront/internal/database"
	"github.com/safar/storefront/internal/models"
	"github.com/shopspring/decimal"
)

type CreateVariantRequest struct {
	ProductID    int64
	Size         string
	Color        string
	Price        *decimal.Decimal
	InitialStock int
}

type ProductFilter struct {
	Name   string
	SortBy string
}

var productOrderings = map[string]string{
	"":           "p.created_at DESC, p.id DESC",
	"price_asc":  "p.price ASC, p.id",
	"price_desc": "p.price DESC, p.id",
	"name_asc":   "p.name ASC, p.id",
	"name_desc":  "p.name DESC, p.id",
}

func CreateProduct(ctx context.Context, db database.Querier, name, description string, price decimal.Decimal) (*models.Product, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: product name is required", database.ErrValidation)
	}
	if !price.IsPositive() {
		return nil, database.ErrInvalidPrice
	}

	product := &models.Product{}

	query := `
		INSERT INTO products (name, description, price, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		RETURNING id, name, description, price, created_at, updated_at`

	err := db.QueryRowContext(ctx, query, name, description, price).Scan(
		&product.ID,
		&product.Name,
		&product.Description,
		&product.Price,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create product: %w", err)
	}

	return product, nil
}

// CreateVariant adds a SKU to a product. The variant inherits the product
// price unless one is given.
func CreateVariant(ctx context.Context, db database.Querier, req CreateVariantRequest) (*models.Variant, error) {
	if req.InitialStock < 0 {
		return nil, fmt.Errorf("%w: initial stock must not be negative", database.ErrValidation)
	}
	if req.Price != nil && !req.Price.IsPositive() {
		return nil, database.ErrInvalidPrice
	}

	variant := &models.Variant{}

	query := `
		INSERT INTO product_variants (product_id, size, color, price, quantity_in_stock, updated_at, version)
		SELECT p.id, $2::varchar, $3::varchar, COALESCE($4::numeric, p.price), $5::integer, NOW(), 1
		FROM products p
		WHERE p.id = $1
		RETURNING id, product_id, size, color, price, quantity_in_stock, updated_at, version`

	var price decimal.NullDecimal
	if req.Price != nil {
		price = decimal.NewNullDecimal(*req.Price)
	}

	err := db.QueryRowContext(ctx, query, req.ProductID, req.Size, req.Color, price, req.InitialStock).Scan(
		&variant.ID,
		&variant.ProductID,
		&variant.Size,
		&variant.Color,
		&variant.UnitPrice,
		&variant.AvailableQuantity,
		&variant.UpdatedAt,
		&variant.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrProductNotFound
		}
		if database.IsUniqueViolation(err, "product_variants_product_size_color_key") {
			return nil, database.ErrDuplicateVariant
		}
		return nil, fmt.Errorf("create variant: %w", err)
	}

	return variant, nil
}

const variantColumns = `v.id, v.product_id, p.name, v.size, v.color, v.price, v.quantity_in_stock, v.updated_at, v.version`

func scanVariant(row interface{ Scan(...any) error }, v *models.Variant) error {
	return row.Scan(
		&v.ID,
		&v.ProductID,
		&v.ProductName,
		&v.Size,
		&v.Color,
		&v.UnitPrice,
		&v.AvailableQuantity,
		&v.UpdatedAt,
		&v.Version,
	)
}

// GetVariant is the catalog lookup used for pricing: current unit price,
// product name and available quantity as of the caller's snapshot.
func GetVariant(ctx context.Context, q database.Querier, variantID int64) (*models.Variant, error) {
	variant := &models.Variant{}

	row := q.QueryRowContext(ctx,
		`SELECT `+variantColumns+`
		 FROM product_variants v
		 JOIN products p ON p.id = v.product_id
		 WHERE v.id = $1`,
		variantID)
	if err := scanVariant(row, variant); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrVariantNotFound
		}
		return nil, fmt.Errorf("get variant: %w", err)
	}

	return variant, nil
}

func GetProduct(ctx context.Context, q database.Querier, id int64) (*models.Product, error) {
	product := &models.Product{}

	query := `
		SELECT id, name, description, price, created_at, updated_at
		FROM products
		WHERE id = $1`

	err := q.QueryRowContext(ctx, query, id).Scan(
		&product.ID,
		&product.Name,
		&product.Description,
		&product.Price,
		&product.CreatedAt,
		&product.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	variants, err := listVariants(ctx, q, id)
	if err != nil {
		return nil, err
	}
	product.Variants = variants

	return product, nil
}

func listVariants(ctx context.Context, q database.Querier, productID int64) ([]models.Variant, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+variantColumns+`
		 FROM product_variants v
		 JOIN products p ON p.id = v.product_id
		 WHERE v.product_id = $1
		 ORDER BY v.id`,
		productID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	defer rows.Close()

	var variants []models.Variant
	for rows.Next() {
		var v models.Variant
		if err := scanVariant(rows, &v); err != nil {
			return nil, fmt.Errorf("scan variant: %w", err)
		}
		variants = append(variants, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return variants, nil
}

// SetVariantPrice changes the current price. Existing orders keep the price
// they were placed at.
func SetVariantPrice(ctx context.Context, db database.Querier, variantID int64, price decimal.Decimal) (*models.Variant, error) {
	if !price.IsPositive() {
		return nil, database.ErrInvalidPrice
	}

	result, err := db.ExecContext(ctx,
		`UPDATE product_variants
		 SET price = $1, version = version + 1, updated_at = NOW()
		 WHERE id = $2`,
		price, variantID)
	if err != nil {
		return nil, fmt.Errorf("set variant price: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, database.ErrVariantNotFound
	}

	return GetVariant(ctx, db, variantID)
}

func ListProducts(ctx context.Context, db database.Querier, filter ProductFilter, page, pageSize int) (*OffsetPage, error) {
	orderBy, ok := productOrderings[filter.SortBy]
	if !ok {
		return nil, fmt.Errorf("%w: unknown sort_by %q", database.ErrValidation, filter.SortBy)
	}

	namePattern := "%"
	if filter.Name != "" {
		namePattern = "%" + escapeLike(filter.Name) + "%"
	}

	var total int64
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products p WHERE p.name ILIKE $1`,
		namePattern).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count products: %w", err)
	}

	query := `
		SELECT p.id, p.name, p.description, p.price, p.created_at, p.updated_at
		FROM products p
		WHERE p.name ILIKE $1
		ORDER BY ` + orderBy + `
		LIMIT $2 OFFSET $3`

	rows, err := db.QueryContext(ctx, query, namePattern, pageSize, pageOffset(page, pageSize))
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	products := []models.Product{}
	for rows.Next() {
		var product models.Product
		err := rows.Scan(
			&product.ID,
			&product.Name,
			&product.Description,
			&product.Price,
			&product.CreatedAt,
			&product.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, product)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return newOffsetPage(products, total, page, pageSize), nil
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
