package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"roadwatch-sync-server/internal/domain"

	"github.com/go-kivik/kivik/v4"
)

const (
	reportDocType   = "report"
	reportDocPrefix = "report:"
	findPageSize    = 500
)

type reportDoc struct {
	ID         string               `json:"_id"`
	Rev        string               `json:"_rev,omitempty"`
	DocType    string               `json:"doc_type"`
	ExternalID string               `json:"external_id,omitempty"`
	Revision   int64                `json:"revision"`
	Payload    domain.ReportPayload `json:"payload"`
	UpdatedAt  time.Time            `json:"updated_at"`
	DeletedAt  *time.Time           `json:"deleted_at,omitempty"`
}

func docID(id string) string {
	return reportDocPrefix + id
}

func (d *reportDoc) toRecord() *domain.Record {
	return &domain.Record{
		ID:         strings.TrimPrefix(d.ID, reportDocPrefix),
		ExternalID: d.ExternalID,
		Revision:   d.Revision,
		Payload:    d.Payload,
		UpdatedAt:  d.UpdatedAt,
		DeletedAt:  d.DeletedAt,
	}
}

// CouchStore is the secondary store: the CouchDB database the field apps
// replicate with.
type CouchStore struct {
	client *kivik.Client
	db     *kivik.DB
}

func NewCouchStore(client *kivik.Client, dbName string) *CouchStore {
	return &CouchStore{
		client: client,
		db:     client.DB(dbName),
	}
}

func (s *CouchStore) Side() domain.Side { return domain.SideSecondary }

func (s *CouchStore) getDoc(ctx context.Context, id string) (*reportDoc, error) {
	var doc reportDoc
	if err := s.db.Get(ctx, docID(id)).ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == http.StatusNotFound {
			return nil, domain.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get report document: %w", err)
	}
	return &doc, nil
}

func (s *CouchStore) Get(ctx context.Context, id string) (*domain.Record, error) {
	doc, err := s.getDoc(ctx, id)
	if err != nil {
		return nil, err
	}
	return doc.toRecord(), nil
}

func (s *CouchStore) find(ctx context.Context, selector map[string]interface{}, limit int) ([]*domain.Record, error) {
	var (
		records  []*domain.Record
		bookmark string
	)
	for {
		query := map[string]interface{}{
			"selector": selector,
			"limit":    findPageSize,
		}
		if bookmark != "" {
			query["bookmark"] = bookmark
		}

		rows := s.db.Find(ctx, query)
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to query reports: %w", err)
		}

		page := 0
		for rows.Next() {
			var doc reportDoc
			if err := rows.ScanDoc(&doc); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan report document: %w", err)
			}
			records = append(records, doc.toRecord())
			page++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("error iterating reports: %w", err)
		}
		meta, err := rows.Metadata()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read query metadata: %w", err)
		}

		if page < findPageSize || (limit > 0 && len(records) >= limit) || meta.Bookmark == "" {
			break
		}
		bookmark = meta.Bookmark
	}
	return records, nil
}

func (s *CouchStore) GetByExternalID(ctx context.Context, externalID string) (*domain.Record, error) {
	records, err := s.find(ctx, map[string]interface{}{
		"doc_type":    reportDocType,
		"external_id": externalID,
	}, 1)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, domain.ErrRecordNotFound
	}
	return records[0], nil
}

// ListChangedSince reads the database _changes feed. The checkpoint is the
// feed's last_seq.
func (s *CouchStore) ListChangedSince(ctx context.Context, checkpoint string) ([]*domain.Record, string, error) {
	since := checkpoint
	if since == "" {
		since = "0"
	}

	changes := s.db.Changes(ctx, kivik.Params(map[string]interface{}{
		"since":        since,
		"include_docs": true,
	}))
	defer changes.Close()

	seen := make(map[string]bool)
	var records []*domain.Record
	for changes.Next() {
		if changes.Deleted() || !strings.HasPrefix(changes.ID(), reportDocPrefix) {
			continue
		}
		var doc reportDoc
		if err := changes.ScanDoc(&doc); err != nil {
			return nil, "", fmt.Errorf("failed to scan changed report document: %w", err)
		}
		if doc.DocType != reportDocType {
			continue
		}
		rec := doc.toRecord()
		seen[rec.ID] = true
		records = append(records, rec)
	}
	if err := changes.Err(); err != nil {
		return nil, "", fmt.Errorf("failed to read changes feed: %w", err)
	}
	meta, err := changes.Metadata()
	if err != nil {
		return nil, "", fmt.Errorf("failed to read changes metadata: %w", err)
	}
	next := meta.LastSeq
	if next == "" {
		next = checkpoint
	}

	unlinked, err := s.ListUnlinked(ctx)
	if err != nil {
		return nil, "", err
	}
	for _, rec := range unlinked {
		if !seen[rec.ID] {
			records = append(records, rec)
		}
	}
	return records, next, nil
}

func (s *CouchStore) ListUnlinked(ctx context.Context) ([]*domain.Record, error) {
	return s.find(ctx, map[string]interface{}{
		"doc_type": reportDocType,
		"$or": []interface{}{
			map[string]interface{}{"external_id": map[string]interface{}{"$exists": false}},
			map[string]interface{}{"external_id": ""},
		},
	}, 0)
}

func (s *CouchStore) put(ctx context.Context, doc *reportDoc) error {
	rev, err := s.db.GetRev(ctx, doc.ID)
	switch {
	case err == nil:
		doc.Rev = rev
	case kivik.HTTPStatus(err) == http.StatusNotFound:
		doc.Rev = ""
	default:
		return fmt.Errorf("failed to read document revision: %w", err)
	}

	if _, err := s.db.Put(ctx, doc.ID, doc); err != nil {
		return fmt.Errorf("failed to write report document: %w", err)
	}
	return nil
}

func (s *CouchStore) Upsert(ctx context.Context, rec *domain.Record) error {
	doc := &reportDoc{
		ID:         docID(rec.ID),
		DocType:    reportDocType,
		ExternalID: rec.ExternalID,
		Revision:   rec.Revision,
		Payload:    rec.Payload,
		UpdatedAt:  rec.UpdatedAt,
		DeletedAt:  rec.DeletedAt,
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = time.Now()
	}
	return s.put(ctx, doc)
}

func (s *CouchStore) Delete(ctx context.Context, id string, revision int64) error {
	doc, err := s.getDoc(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	doc.DeletedAt = &now
	doc.UpdatedAt = now
	doc.Revision = revision
	return s.put(ctx, doc)
}

func (s *CouchStore) Ping(ctx context.Context) PingResult {
	start := time.Now()
	ok, err := s.client.Ping(ctx)
	if err == nil && !ok {
		err = errors.New("couchdb did not answer ping")
	}
	return PingResult{Connected: err == nil, Latency: time.Since(start), Err: err}
}

func (s *CouchStore) CountUnlinked(ctx context.Context) (int, error) {
	records, err := s.find(ctx, map[string]interface{}{
		"doc_type":   reportDocType,
		"deleted_at": map[string]interface{}{"$exists": false},
		"$or": []interface{}{
			map[string]interface{}{"external_id": map[string]interface{}{"$exists": false}},
			map[string]interface{}{"external_id": ""},
		},
	}, 0)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}
