package database

import (
	"context"
	"fmt"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
	"go.uber.org/zap"
)

// NewCouchClient connects to CouchDB and makes sure the reports database and
// its Mango indexes exist.
func NewCouchClient(ctx context.Context, couchURL, dbName string, logger *zap.Logger) (*kivik.Client, error) {
	client, err := kivik.New("couch", couchURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return nil, fmt.Errorf("failed to check database existence: %w", err)
	}

	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("created couchdb database", zap.String("database", dbName))
	}

	db := client.DB(dbName)
	indexes := map[string][]string{
		"reports-by-external-id": {"doc_type", "external_id"},
	}
	for name, fields := range indexes {
		if err := db.CreateIndex(ctx, "reports", name, map[string]interface{}{"fields": fields}); err != nil {
			return nil, fmt.Errorf("failed to create index %s: %w", name, err)
		}
	}

	return client, nil
}
