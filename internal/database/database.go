package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"autobuy-bot/internal/models"

	"github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"
)

// DB wraps the SQLite connection. Every write goes through writeMu so read-merge-write
// cycles from different product monitors never interleave.
type DB struct {
	conn    *sql.DB
	writeMu sync.Mutex
}

// New opens (and migrates) the database at dbPath.
func New(dbPath string) (*DB, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL"
	}

	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.WithField("path", dbPath).Info("Database initialized")
	return db, nil
}

// Close closes the connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		url TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		monitor_type TEXT NOT NULL,
		target_price REAL NOT NULL DEFAULT 0,
		below_price REAL NOT NULL DEFAULT 0,
		original_price REAL NOT NULL DEFAULT 0,
		current_price REAL,
		price_history TEXT NOT NULL DEFAULT '[]',
		status TEXT NOT NULL,
		flash_sale TEXT,
		last_checked DATETIME,
		added_at DATETIME NOT NULL,
		monitoring_interval_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS settings (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		use_spaylater BOOLEAN NOT NULL,
		installment_months INTEGER NOT NULL,
		pin_hash TEXT NOT NULL DEFAULT '',
		pin_sealed TEXT NOT NULL DEFAULT '',
		last_updated DATETIME
	);
	`
	_, err := db.conn.Exec(schema)
	return err
}

const productColumns = `id, url, name, monitor_type, target_price, below_price, original_price, current_price,
	price_history, status, flash_sale, last_checked, added_at, monitoring_interval_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (*models.MonitoredProduct, error) {
	var (
		p            models.MonitoredProduct
		currentPrice sql.NullFloat64
		history      string
		flashSale    sql.NullString
		lastChecked  sql.NullTime
		intervalMs   int64
	)
	err := row.Scan(&p.ID, &p.URL, &p.Name, &p.MonitorType, &p.TargetPrice, &p.BelowPrice, &p.OriginalPrice,
		&currentPrice, &history, &p.Status, &flashSale, &lastChecked, &p.AddedAt, &intervalMs)
	if err != nil {
		return nil, err
	}

	if currentPrice.Valid {
		price := currentPrice.Float64
		p.CurrentPrice = &price
	}
	if err := json.Unmarshal([]byte(history), &p.PriceHistory); err != nil {
		return nil, fmt.Errorf("corrupt price history for %s: %w", p.ID, err)
	}
	if flashSale.Valid && flashSale.String != "" {
		var info models.FlashSaleInfo
		if err := json.Unmarshal([]byte(flashSale.String), &info); err != nil {
			return nil, fmt.Errorf("corrupt flash sale info for %s: %w", p.ID, err)
		}
		p.FlashSaleInfo = &info
	}
	if lastChecked.Valid {
		p.LastChecked = lastChecked.Time
	}
	p.MonitoringInterval = time.Duration(intervalMs) * time.Millisecond
	return &p, nil
}

// productArgs returns the column values after id, in productColumns order.
func productArgs(p *models.MonitoredProduct) ([]any, error) {
	history := p.PriceHistory
	if history == nil {
		history = []models.PricePoint{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return nil, err
	}

	var flashSale sql.NullString
	if p.FlashSaleInfo != nil {
		b, err := json.Marshal(p.FlashSaleInfo)
		if err != nil {
			return nil, err
		}
		flashSale = sql.NullString{String: string(b), Valid: true}
	}

	var currentPrice sql.NullFloat64
	if p.CurrentPrice != nil {
		currentPrice = sql.NullFloat64{Float64: *p.CurrentPrice, Valid: true}
	}

	var lastChecked sql.NullTime
	if !p.LastChecked.IsZero() {
		lastChecked = sql.NullTime{Time: p.LastChecked, Valid: true}
	}

	return []any{p.URL, p.Name, p.MonitorType, p.TargetPrice, p.BelowPrice, p.OriginalPrice, currentPrice,
		string(historyJSON), p.Status, flashSale, lastChecked, p.AddedAt, p.MonitoringInterval.Milliseconds()}, nil
}

// AddProduct stores a new product. Invalid products and duplicate URLs are rejected.
func (db *DB) AddProduct(p *models.MonitoredProduct) error {
	if err := p.Validate(); err != nil {
		return err
	}
	args, err := productArgs(p)
	if err != nil {
		return err
	}

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err = db.conn.Exec(
		"INSERT INTO products ("+productColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		append([]any{p.ID}, args...)...,
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return &models.ValidationError{Field: "url", Reason: "this product is already being monitored"}
	}
	return err
}

// GetProducts returns all products, oldest first.
func (db *DB) GetProducts() ([]models.MonitoredProduct, error) {
	return db.queryProducts("SELECT " + productColumns + " FROM products ORDER BY added_at, id")
}

// GetProductsByStatus returns the products in any of the given statuses, oldest first.
func (db *DB) GetProductsByStatus(statuses ...models.Status) ([]models.MonitoredProduct, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(statuses)), ",")
	return db.queryProducts("SELECT "+productColumns+" FROM products WHERE status IN ("+placeholders+") ORDER BY added_at, id", args...)
}

func (db *DB) queryProducts(query string, args ...any) ([]models.MonitoredProduct, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []models.MonitoredProduct
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		products = append(products, *p)
	}
	return products, rows.Err()
}

// GetProductByID returns a product or models.ErrProductNotFound.
func (db *DB) GetProductByID(id string) (*models.MonitoredProduct, error) {
	p, err := scanProduct(db.conn.QueryRow("SELECT "+productColumns+" FROM products WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrProductNotFound, id)
	}
	return p, err
}

// UpdateProduct reads the product, applies fn and writes the result back in one transaction.
// Writes are serialized, so concurrent updaters never overwrite each other's changes.
// If fn returns an error nothing is written and that error is returned.
func (db *DB) UpdateProduct(id string, fn func(p *models.MonitoredProduct) error) (*models.MonitoredProduct, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	p, err := scanProduct(tx.QueryRow("SELECT "+productColumns+" FROM products WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrProductNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if err := fn(p); err != nil {
		return nil, err
	}
	p.ID = id
	if err := p.Validate(); err != nil {
		return nil, err
	}

	args, err := productArgs(p)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(`UPDATE products SET url = ?, name = ?, monitor_type = ?, target_price = ?, below_price = ?,
		original_price = ?, current_price = ?, price_history = ?, status = ?, flash_sale = ?, last_checked = ?,
		added_at = ?, monitoring_interval_ms = ? WHERE id = ?`, append(args, id)...)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p, nil
}

// DeleteProduct removes a product.
func (db *DB) DeleteProduct(id string) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	res, err := db.conn.Exec("DELETE FROM products WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", models.ErrProductNotFound, id)
	}
	return nil
}

// CountProducts returns the number of stored products.
func (db *DB) CountProducts() (int, error) {
	var n int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM products").Scan(&n)
	return n, err
}

// GetSettings returns the stored settings, or the defaults when nothing was saved yet.
func (db *DB) GetSettings() (models.Settings, error) {
	return getSettings(db.conn.QueryRow(selectSettings))
}

const selectSettings = "SELECT use_spaylater, installment_months, pin_hash, pin_sealed, last_updated FROM settings WHERE id = 1"

func getSettings(row rowScanner) (models.Settings, error) {
	var (
		s           models.Settings
		lastUpdated sql.NullTime
	)
	err := row.Scan(&s.UseSpaylater, &s.InstallmentMonths, &s.PinHash, &s.PinSealed, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.DefaultSettings(), nil
	}
	if err != nil {
		return models.Settings{}, err
	}
	if lastUpdated.Valid {
		s.LastUpdated = lastUpdated.Time
	}
	return s, nil
}

// UpdateSettings applies fn to the current settings and saves the result, stamping LastUpdated.
func (db *DB) UpdateSettings(fn func(s *models.Settings) error) (models.Settings, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return models.Settings{}, err
	}
	defer tx.Rollback()

	s, err := getSettings(tx.QueryRow(selectSettings))
	if err != nil {
		return models.Settings{}, err
	}
	if err := fn(&s); err != nil {
		return models.Settings{}, err
	}
	if err := models.ValidateInstallmentMonths(s.InstallmentMonths); err != nil {
		return models.Settings{}, err
	}
	s.LastUpdated = time.Now().UTC()

	_, err = tx.Exec(`INSERT INTO settings (id, use_spaylater, installment_months, pin_hash, pin_sealed, last_updated)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET use_spaylater = excluded.use_spaylater,
			installment_months = excluded.installment_months, pin_hash = excluded.pin_hash,
			pin_sealed = excluded.pin_sealed, last_updated = excluded.last_updated`,
		s.UseSpaylater, s.InstallmentMonths, s.PinHash, s.PinSealed, s.LastUpdated)
	if err != nil {
		return models.Settings{}, err
	}
	return s, tx.Commit()
}
