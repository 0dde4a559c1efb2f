package remote

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nkkko/stocksync/pkg/proto"
)

// Ensure PostgresBackend implements Backend
var _ Backend = (*PostgresBackend)(nil)

const (
	managerOrdersQuery = `SELECT id, user_id, location_id, status, order_number, updated_at
FROM orders ORDER BY updated_at DESC LIMIT $1`

	employeeOrdersQuery = `SELECT id, user_id, location_id, status, order_number, updated_at
FROM orders WHERE user_id = $1 ORDER BY updated_at DESC LIMIT $2`
)

// PostgresBackend reads orders directly from Postgres
type PostgresBackend struct {
	db    *sql.DB
	limit int
}

// OpenPostgres connects to databaseURL through the pgx driver
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(2)
	db.SetMaxOpenConns(4)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// NewPostgresBackend creates a backend over an open database
func NewPostgresBackend(db *sql.DB, limit int) *PostgresBackend {
	if limit <= 0 {
		limit = 500
	}
	return &PostgresBackend{db: db, limit: limit}
}

// ManagerOrders returns every order
func (b *PostgresBackend) ManagerOrders(ctx context.Context) ([]*proto.Order, error) {
	rows, err := b.db.QueryContext(ctx, managerOrdersQuery, b.limit)
	if err != nil {
		return nil, fmt.Errorf("query manager orders: %w", err)
	}
	return scanOrders(rows)
}

// EmployeeOrders returns the orders owned by userID
func (b *PostgresBackend) EmployeeOrders(ctx context.Context, userID string) ([]*proto.Order, error) {
	rows, err := b.db.QueryContext(ctx, employeeOrdersQuery, userID, b.limit)
	if err != nil {
		return nil, fmt.Errorf("query employee orders: %w", err)
	}
	return scanOrders(rows)
}

// Close closes the database
func (b *PostgresBackend) Close() error {
	return b.db.Close()
}

func scanOrders(rows *sql.Rows) ([]*proto.Order, error) {
	defer rows.Close()

	var orders []*proto.Order
	for rows.Next() {
		var (
			order       proto.Order
			locationID  sql.NullString
			orderNumber sql.NullString
			status      string
		)
		if err := rows.Scan(&order.Id, &order.UserId, &locationID, &status, &orderNumber, &order.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		order.LocationId = locationID.String
		order.OrderNumber = orderNumber.String
		order.Status = proto.OrderStatus(status)
		orders = append(orders, &order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}
