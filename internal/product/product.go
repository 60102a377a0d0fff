// Package product resolves product ids for the protected endpoint. It is
// only reached after a request passed header validation.
package product

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"

	_ "github.com/lib/pq"
)

// ErrNotFound is returned for unknown ids.
var ErrNotFound = errors.New("Producto no encontrado")

type Product struct {
	Clave       string `json:"clave"`
	Descripcion string `json:"descripcion"`
	Precio      int64  `json:"precio"`
}

// Lookup resolves a product id.
type Lookup interface {
	Lookup(ctx context.Context, id int64) (Product, error)
}

// MemoryCatalog is a fixed in-process catalog.
type MemoryCatalog struct {
	items map[int64]Product
}

// DefaultProducts is the demo catalog.
func DefaultProducts() map[int64]Product {
	return map[int64]Product{
		1: {Clave: "P001", Descripcion: "Botella de vino tinto 750ml", Precio: 250},
		2: {Clave: "P002", Descripcion: "Botella de tequila añejo 1L", Precio: 480},
	}
}

// NewMemoryCatalog copies items; nil means DefaultProducts.
func NewMemoryCatalog(items map[int64]Product) *MemoryCatalog {
	if items == nil {
		items = DefaultProducts()
	}
	c := &MemoryCatalog{items: make(map[int64]Product, len(items))}
	for id, p := range items {
		c.items[id] = p
	}
	return c
}

func (c *MemoryCatalog) Lookup(_ context.Context, id int64) (Product, error) {
	p, ok := c.items[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

// IDs lists the known ids in ascending order.
func (c *MemoryCatalog) IDs() []int64 {
	ids := make([]int64, 0, len(c.items))
	for id := range c.items {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PGCatalog reads products from a Postgres table with columns
// (id, clave, descripcion, precio).
type PGCatalog struct {
	db    *sql.DB
	query string
}

// OpenPGCatalog opens dsn with lib/pq and verifies the connection.
func OpenPGCatalog(ctx context.Context, dsn, table string) (*PGCatalog, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("product: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("product: connect postgres: %w", err)
	}
	c, err := NewPGCatalog(db, table)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// NewPGCatalog wraps an existing pool. table must be a plain identifier.
func NewPGCatalog(db *sql.DB, table string) (*PGCatalog, error) {
	if table == "" {
		table = "productos"
	}
	if !validIdent(table) {
		return nil, fmt.Errorf("product: invalid table name %q", table)
	}
	return &PGCatalog{
		db:    db,
		query: fmt.Sprintf("SELECT clave, descripcion, precio FROM %s WHERE id = $1", table),
	}, nil
}

func (c *PGCatalog) Lookup(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := c.db.QueryRowContext(ctx, c.query, id).Scan(&p.Clave, &p.Descripcion, &p.Precio)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	if err != nil {
		return Product{}, fmt.Errorf("product: lookup %d: %w", id, err)
	}
	return p, nil
}

// Ping reports whether the database is reachable.
func (c *PGCatalog) Ping(ctx context.Context) error { return c.db.PingContext(ctx) }

func (c *PGCatalog) Close() error { return c.db.Close() }

func validIdent(s string) bool {
	if s == "" || len(s) > 63 {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}
