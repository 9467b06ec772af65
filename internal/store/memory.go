package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process RecordStore holding records as JSON documents.
// It backs the unit tests and the store-mock binary; production deployments
// use the Postgres or HTTP backends.
type Memory struct {
	mu      sync.RWMutex
	records map[string]map[string]map[string]interface{}
	order   map[string][]string // insertion order per entity
}

func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]map[string]map[string]interface{}),
		order:   make(map[string][]string),
	}
}

func (m *Memory) Create(entity string, record interface{}) (string, error) {
	doc, err := toDocument(record)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, _ := doc["id"].(string)
	if id == "" {
		id = uuid.New().String()
	}
	doc["id"] = id
	doc["version"] = float64(1)

	if m.records[entity] == nil {
		m.records[entity] = make(map[string]map[string]interface{})
	}
	if _, exists := m.records[entity][id]; exists {
		return "", fmt.Errorf("record %s/%s already exists", entity, id)
	}
	m.records[entity][id] = doc
	m.order[entity] = append(m.order[entity], id)

	if err := fromDocument(doc, record); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Memory) Get(entity, id string, out interface{}) error {
	m.mu.RLock()
	doc, ok := m.records[entity][id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return fromDocument(doc, out)
}

func (m *Memory) Update(entity, id string, record interface{}, expectedVersion int64) error {
	doc, err := toDocument(record)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.records[entity][id]
	if !ok {
		return ErrNotFound
	}
	if version(current) != expectedVersion {
		return ErrVersionConflict
	}

	// Field-level merge, mirroring the collection store's PATCH semantics.
	merged := make(map[string]interface{}, len(current)+len(doc))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range doc {
		merged[k] = v
	}
	merged["id"] = id
	merged["version"] = float64(expectedVersion + 1)
	m.records[entity][id] = merged

	return fromDocument(merged, record)
}

func (m *Memory) List(entity string, filter Filter, out interface{}) error {
	m.mu.RLock()
	docs := make([]map[string]interface{}, 0)
	for _, id := range m.order[entity] {
		doc := m.records[entity][id]
		if matches(doc, filter) {
			docs = append(docs, doc)
		}
	}
	m.mu.RUnlock()
	return fromDocument(docs, out)
}

// Len reports how many records an entity holds. Test helper.
func (m *Memory) Len(entity string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records[entity])
}

func matches(doc map[string]interface{}, filter Filter) bool {
	for field, want := range filter {
		value, ok := doc[field]
		if !ok {
			return false
		}
		if fieldString(value) != want {
			return false
		}
	}
	return true
}

// fieldString renders a document value the way the filter sees it. Whole
// numbers print without a decimal point so numeric ids match their string
// form.
func fieldString(value interface{}) string {
	if f, ok := value.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%v", value)
}

func version(doc map[string]interface{}) int64 {
	if f, ok := doc["version"].(float64); ok {
		return int64(f)
	}
	return 0
}

func toDocument(record interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("record is not a JSON object: %w", err)
	}
	return doc, nil
}

func fromDocument(doc interface{}, out interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}

// sortKeys is used by the store-mock when listing entities for debugging.
func sortKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entities returns the entity names that currently hold records.
func (m *Memory) Entities() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortKeys(m.order)
}
