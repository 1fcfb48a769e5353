// Package pgstore mirrors merged CVE records into Postgres, in addition to
// the on-disk cache, for deployments that want to query the corpus.
package pgstore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vulnmirror/pkg/nvd"
)

// Store upserts records keyed by cve_id.
type Store struct {
	db *pgxpool.Pool
}

// New wraps an open pool.
func New(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// SaveBatch upserts one page of records in a single round trip.
func (s *Store) SaveBatch(ctx context.Context, recs []*nvd.CveRecord) error {
	if len(recs) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range recs {
		batch.Queue(`
			INSERT INTO cve_records (cve_id, published, last_modified, json)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (cve_id)
			DO UPDATE SET
				published = EXCLUDED.published,
				last_modified = EXCLUDED.last_modified,
				json = EXCLUDED.json
		`, rec.ID, rec.Published, rec.LastModified, []byte(rec.Raw))
	}

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < len(recs); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch execution failed at index %d: %w", i, err)
		}
	}
	return nil
}
