package postgres

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/listing-ingest/internal/entity"
)

// DetailRecordRepoImpl provides a concrete implementation for the DetailRecordRepository interface using PostgreSQL.
type DetailRecordRepoImpl struct {
	db *pgxpool.Pool
}

// NewDetailRecordRepo creates a new instance of DetailRecordRepoImpl.
func NewDetailRecordRepo(db *pgxpool.Pool) *DetailRecordRepoImpl {
	return &DetailRecordRepoImpl{db: db}
}

// SaveBatch upserts the records within a single transaction.
func (r *DetailRecordRepoImpl) SaveBatch(ctx context.Context, records []entity.DetailRecord) error {
	if len(records) == 0 {
		return nil
	}

	// last record per key wins
	latest := make(map[string]int, len(records))
	order := make([]string, 0, len(records))
	for i, rec := range records {
		if _, ok := latest[rec.ItemKey]; !ok {
			order = append(order, rec.ItemKey)
		}
		latest[rec.ItemKey] = i
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO detail_records (item_key, item_id, url, title, price, description, attributes, history, fast_mode, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (item_key) DO UPDATE SET
			item_id = EXCLUDED.item_id,
			url = EXCLUDED.url,
			title = EXCLUDED.title,
			price = EXCLUDED.price,
			description = EXCLUDED.description,
			attributes = EXCLUDED.attributes,
			history = EXCLUDED.history,
			fast_mode = EXCLUDED.fast_mode,
			fetched_at = EXCLUDED.fetched_at;
	`

	batch := &pgx.Batch{}
	for _, key := range order {
		rec := records[latest[key]]
		attrs, err := nullableJSON(rec.Attributes, len(rec.Attributes) == 0)
		if err != nil {
			return err
		}
		history, err := nullableJSON(rec.History, len(rec.History) == 0)
		if err != nil {
			return err
		}
		batch.Queue(query,
			rec.ItemKey, rec.ItemID, rec.URL, rec.Title, rec.Price, rec.Description,
			attrs, history, rec.FastMode, rec.FetchedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// FindByKeys retrieves the stored records for the given keys.
func (r *DetailRecordRepoImpl) FindByKeys(ctx context.Context, keys []string) ([]entity.DetailRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT item_key, item_id, url, title, price, description, attributes, history, fast_mode, fetched_at
		FROM detail_records
		WHERE item_key = ANY($1);
	`, keys)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []entity.DetailRecord
	for rows.Next() {
		var (
			rec         entity.DetailRecord
			attrs, hist []byte
		)
		if err := rows.Scan(&rec.ItemKey, &rec.ItemID, &rec.URL, &rec.Title, &rec.Price,
			&rec.Description, &attrs, &hist, &rec.FastMode, &rec.FetchedAt); err != nil {
			return nil, err
		}
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &rec.Attributes); err != nil {
				return nil, err
			}
		}
		if len(hist) > 0 {
			if err := json.Unmarshal(hist, &rec.History); err != nil {
				return nil, err
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullableJSON(v any, empty bool) ([]byte, error) {
	if empty {
		return nil, nil
	}
	return json.Marshal(v)
}
