// Package store abstracts the persistent collection store the billing
// engine runs against. Records are addressed by entity name and id and
// filtered by field equality only; anything richer (date ranges, joins)
// is done in-process by the callers.
package store

import (
	"errors"
)

// Entity names used by the engine.
const (
	EntityOrders      = "orders"
	EntityInvoices    = "invoices"
	EntityStatements  = "monthlyStatements"
	EntitySettings    = "restaurantSettings"
	EntityRestaurants = "restaurants"
)

var (
	// ErrNotFound is returned when the referenced record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is returned by Update when the record changed
	// since it was read. The caller re-reads and decides; the store never
	// silently overwrites.
	ErrVersionConflict = errors.New("record version conflict")
)

// Filter selects records whose fields equal the given values. Values are
// compared as strings against the stored field's text form.
type Filter map[string]string

// RecordStore is the single source of truth for all durable state. The
// store is the sole writer of identities: Create assigns the id and the
// initial version and writes both back into record.
//
// Update replaces the stored document with record if and only if the
// stored version equals expectedVersion, then writes the merged document
// (with its bumped version) back into record.
type RecordStore interface {
	Create(entity string, record interface{}) (string, error)
	Get(entity, id string, out interface{}) error
	Update(entity, id string, record interface{}, expectedVersion int64) error
	List(entity string, filter Filter, out interface{}) error
}
