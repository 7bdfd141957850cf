package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("record not found")

const defaultHistoryLimit = 50

// PostgresStore archives resolved summons. Each summon is written once;
// archiving the same summon again is a no-op.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ArchiveSummon inserts the record and reports whether this call created it.
func (s *PostgresStore) ArchiveSummon(ctx context.Context, record SummonRecord) (bool, error) {
	responses, err := json.Marshal(record.Responses)
	if err != nil {
		return false, fmt.Errorf("marshal responses: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO summon_history (
			summon_id, group_id, initiator_id, status, reason, responses,
			respondent_count, accepted_count, created_at, expires_at, resolved_at
		)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11)
		ON CONFLICT (summon_id) DO NOTHING
	`, record.SummonID, record.GroupID, record.InitiatorID, record.Status, record.Reason, string(responses),
		record.RespondentCount, record.AcceptedCount, record.CreatedAt, record.ExpiresAt, record.ResolvedAt)
	if err != nil {
		return false, fmt.Errorf("archive summon %s: %w", record.SummonID, err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("archive summon %s: %w", record.SummonID, err)
	}
	return inserted == 1, nil
}

const selectSummonRecord = `
	SELECT summon_id, group_id, initiator_id, status, reason, responses,
		respondent_count, accepted_count, created_at, expires_at, resolved_at, archived_at
	FROM summon_history
`

func (s *PostgresStore) GetSummonRecord(ctx context.Context, summonID string) (SummonRecord, error) {
	row := s.db.QueryRowContext(ctx, selectSummonRecord+` WHERE summon_id = $1`, summonID)
	record, err := scanSummonRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SummonRecord{}, ErrNotFound
	}
	if err != nil {
		return SummonRecord{}, fmt.Errorf("get summon record: %w", err)
	}
	return record, nil
}

// ListSummonHistory returns a group's archived summons, newest first.
func (s *PostgresStore) ListSummonHistory(ctx context.Context, groupID string, limit int) ([]SummonRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = defaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, selectSummonRecord+`
		WHERE group_id = $1
		ORDER BY resolved_at DESC, summon_id DESC
		LIMIT $2
	`, groupID, limit)
	if err != nil {
		return nil, fmt.Errorf("list summon history: %w", err)
	}
	defer rows.Close()

	records := make([]SummonRecord, 0)
	for rows.Next() {
		record, err := scanSummonRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan summon history: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummonRecord(row rowScanner) (SummonRecord, error) {
	var record SummonRecord
	var responses []byte
	err := row.Scan(
		&record.SummonID, &record.GroupID, &record.InitiatorID, &record.Status, &record.Reason, &responses,
		&record.RespondentCount, &record.AcceptedCount, &record.CreatedAt, &record.ExpiresAt, &record.ResolvedAt, &record.ArchivedAt,
	)
	if err != nil {
		return SummonRecord{}, err
	}
	if err := json.Unmarshal(responses, &record.Responses); err != nil {
		return SummonRecord{}, fmt.Errorf("decode responses: %w", err)
	}
	return record, nil
}
