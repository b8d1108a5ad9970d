package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"storesync/internal/schedule"
)

// Entry is one catalog record as exported by the sourcing pipeline.
type Entry struct {
	Key      string         `json:"key"`
	Platform string         `json:"platform,omitempty"`
	Account  string         `json:"account,omitempty"`
	Priority int            `json:"priority,omitempty"`
	Status   string         `json:"status,omitempty"`
	Title    string         `json:"title"`
	Price    json.Number    `json:"price,omitempty"`
	Stock    *int           `json:"stock,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Pending reports whether the entry still needs listing. Entries without a
// status are pending.
func (e Entry) Pending() bool {
	switch strings.ToLower(strings.TrimSpace(e.Status)) {
	case "", "pending", "new":
		return true
	default:
		return false
	}
}

// Validate checks the fields every listing needs.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.Key) == "" {
		return errors.New("key is required")
	}
	if strings.TrimSpace(e.Title) == "" {
		return errors.New("title is required")
	}
	if e.Price != "" {
		price, err := e.Price.Float64()
		if err != nil {
			return fmt.Errorf("price %q is not a number", e.Price)
		}
		if price < 0 {
			return errors.New("price must not be negative")
		}
	}
	if e.Stock != nil && *e.Stock < 0 {
		return errors.New("stock must not be negative")
	}
	if strings.TrimSpace(e.Platform) == "" && strings.TrimSpace(e.Account) == "" {
		return errors.New("platform or account is required")
	}
	return nil
}

// Payload renders the listing snapshot stored with the queue item. Extra
// fields are merged first so the core fields always win.
func (e Entry) Payload() (string, error) {
	doc := make(map[string]any, len(e.Fields)+4)
	for k, v := range e.Fields {
		doc[k] = v
	}
	doc["key"] = strings.TrimSpace(e.Key)
	doc["title"] = strings.TrimSpace(e.Title)
	if e.Price != "" {
		doc["price"] = e.Price
	}
	if e.Stock != nil {
		doc["stock"] = *e.Stock
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("render payload for %s: %w", e.Key, err)
	}
	return string(data), nil
}

// Rejected is a catalog entry that could not be turned into a candidate.
type Rejected struct {
	Key    string
	Reason string
}

// Provider yields catalog entries that still need listing.
type Provider interface {
	Pending(ctx context.Context) ([]schedule.Candidate, []Rejected, error)
}

// FileSource reads a JSON array of entries from disk.
type FileSource struct {
	Path string
}

// NewFileSource returns a provider backed by path.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Pending loads the file and converts pending, valid entries to candidates
// in file order.
func (s *FileSource) Pending(ctx context.Context) ([]schedule.Candidate, []Rejected, error) {
	entries, err := Load(s.Path)
	if err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	candidates, rejected := Candidates(entries)
	return candidates, rejected, nil
}

// Load parses a catalog export file.
func Load(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a JSON array of entries. Unknown top-level entry keys are
// rejected so typos surface instead of being dropped.
func Parse(data []byte) ([]Entry, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	decoder.UseNumber()
	var entries []Entry
	if err := decoder.Decode(&entries); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return entries, nil
}

// Candidates converts pending entries; non-pending entries are ignored and
// invalid ones are returned as rejected.
func Candidates(entries []Entry) ([]schedule.Candidate, []Rejected) {
	var (
		out      []schedule.Candidate
		rejected []Rejected
	)
	for _, entry := range entries {
		if !entry.Pending() {
			continue
		}
		if err := entry.Validate(); err != nil {
			rejected = append(rejected, Rejected{Key: entry.Key, Reason: err.Error()})
			continue
		}
		payload, err := entry.Payload()
		if err != nil {
			rejected = append(rejected, Rejected{Key: entry.Key, Reason: err.Error()})
			continue
		}
		out = append(out, schedule.Candidate{
			ExternalKey: strings.TrimSpace(entry.Key),
			Platform:    strings.ToLower(strings.TrimSpace(entry.Platform)),
			AccountID:   strings.TrimSpace(entry.Account),
			Priority:    entry.Priority,
			PayloadJSON: payload,
		})
	}
	return out, rejected
}
