package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Postgres keeps every entity in a single records table as a jsonb
// document keyed by (entity, id), with a version column driving
// conditional updates. A partial unique index on invoices.orderId backs
// the at-most-one-invoice-per-order guarantee at the store level.
type Postgres struct {
	db     *sql.DB
	logger *logrus.Logger
}

func NewPostgres(dsn string, logger *logrus.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &Postgres{db: db, logger: logger}
	if err := p.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return p, nil
}

func (p *Postgres) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS records (
			entity VARCHAR(255) NOT NULL,
			id VARCHAR(255) NOT NULL,
			version BIGINT NOT NULL DEFAULT 1,
			doc JSONB NOT NULL,
			PRIMARY KEY (entity, id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS records_invoice_order
			ON records ((doc->>'orderId'))
			WHERE entity = 'invoices'`,
	}
	for _, query := range queries {
		if _, err := p.db.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

func (p *Postgres) Create(entity string, record interface{}) (string, error) {
	doc, err := toDocument(record)
	if err != nil {
		return "", err
	}

	id, _ := doc["id"].(string)
	if id == "" {
		id = uuid.New().String()
	}
	doc["id"] = id
	doc["version"] = float64(1)

	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal document: %w", err)
	}

	query := `INSERT INTO records (entity, id, version, doc) VALUES ($1, $2, 1, $3)`
	if _, err := p.db.Exec(query, entity, id, data); err != nil {
		return "", fmt.Errorf("failed to insert %s record: %w", entity, err)
	}

	if err := fromDocument(doc, record); err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) Get(entity, id string, out interface{}) error {
	var data []byte
	query := `SELECT doc FROM records WHERE entity = $1 AND id = $2`
	err := p.db.QueryRow(query, entity, id).Scan(&data)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read %s record: %w", entity, err)
	}
	return json.Unmarshal(data, out)
}

func (p *Postgres) Update(entity, id string, record interface{}, expectedVersion int64) error {
	doc, err := toDocument(record)
	if err != nil {
		return err
	}
	doc["id"] = id
	doc["version"] = float64(expectedVersion + 1)

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	query := `UPDATE records SET doc = doc || $4::jsonb, version = version + 1
		WHERE entity = $1 AND id = $2 AND version = $3`
	result, err := p.db.Exec(query, entity, id, expectedVersion, data)
	if err != nil {
		return fmt.Errorf("failed to update %s record: %w", entity, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists bool
		check := `SELECT EXISTS(SELECT 1 FROM records WHERE entity = $1 AND id = $2)`
		if err := p.db.QueryRow(check, entity, id).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check %s record: %w", entity, err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	return fromDocument(doc, record)
}

func (p *Postgres) List(entity string, filter Filter, out interface{}) error {
	query := `SELECT doc FROM records WHERE entity = $1`
	args := []interface{}{entity}
	var clauses []string
	for field, value := range filter {
		args = append(args, field, value)
		clauses = append(clauses, fmt.Sprintf("doc->>$%d = $%d", len(args)-1, len(args)))
	}
	if len(clauses) > 0 {
		query += " AND " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY doc->>'createdAt', id"

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return fmt.Errorf("failed to list %s records: %w", entity, err)
	}
	defer rows.Close()

	docs := make([]json.RawMessage, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("failed to scan %s record: %w", entity, err)
		}
		docs = append(docs, json.RawMessage(data))
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to list %s records: %w", entity, err)
	}

	return fromDocument(docs, out)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}
