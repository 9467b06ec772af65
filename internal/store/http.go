package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// HTTPStore talks to a remote record store exposing the generic collection
// protocol: POST /{entity}, GET /{entity}/{id}, PATCH /{entity}/{id} with
// an If-Match version precondition, and GET /{entity}?field=value for
// equality filters. The store-mock binary serves this protocol for local
// development.
type HTTPStore struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

func NewHTTPStore(baseURL string, logger *logrus.Logger) *HTTPStore {
	return &HTTPStore{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

func (s *HTTPStore) Create(entity string, record interface{}) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}

	req, err := http.NewRequest("POST", s.baseURL+"/"+entity, bytes.NewBuffer(data))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach record store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("record store returned status %d creating %s", resp.StatusCode, entity)
	}

	if err := json.NewDecoder(resp.Body).Decode(record); err != nil {
		return "", fmt.Errorf("failed to decode created record: %w", err)
	}

	id := extractID(record)
	s.logger.WithFields(logrus.Fields{
		"entity": entity,
		"id":     id,
	}).Debug("Record created")
	return id, nil
}

func (s *HTTPStore) Get(entity, id string, out interface{}) error {
	resp, err := s.httpClient.Get(s.baseURL + "/" + entity + "/" + url.PathEscape(id))
	if err != nil {
		return fmt.Errorf("failed to reach record store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("record store returned status %d reading %s/%s", resp.StatusCode, entity, id)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode record: %w", err)
	}
	return nil
}

func (s *HTTPStore) Update(entity, id string, record interface{}, expectedVersion int64) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	req, err := http.NewRequest("PATCH", s.baseURL+"/"+entity+"/"+url.PathEscape(id), bytes.NewBuffer(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("If-Match", strconv.FormatInt(expectedVersion, 10))

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach record store: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusPreconditionFailed:
		return ErrVersionConflict
	case http.StatusOK:
	default:
		return fmt.Errorf("record store returned status %d updating %s/%s", resp.StatusCode, entity, id)
	}

	if err := json.NewDecoder(resp.Body).Decode(record); err != nil {
		return fmt.Errorf("failed to decode updated record: %w", err)
	}
	return nil
}

func (s *HTTPStore) List(entity string, filter Filter, out interface{}) error {
	query := url.Values{}
	for field, value := range filter {
		query.Set(field, value)
	}
	target := s.baseURL + "/" + entity
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	resp, err := s.httpClient.Get(target)
	if err != nil {
		return fmt.Errorf("failed to reach record store: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("record store returned status %d listing %s", resp.StatusCode, entity)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode record list: %w", err)
	}
	return nil
}

func extractID(record interface{}) string {
	doc, err := toDocument(record)
	if err != nil {
		return ""
	}
	id, _ := doc["id"].(string)
	return id
}
