package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jrsteele09/go-credential-broker/internal/utils"
	"github.com/jrsteele09/go-credential-broker/sinks"
	"github.com/pkg/errors"
)

var _ sinks.Repo = (*SinkRepo)(nil)

const sinkColumns = `sink_id, sink_code, provider_code, provider_id, label, destination,
	fields, created_at, last_drained_at`

type SinkRepo struct {
	db *sql.DB
}

func (r *SinkRepo) Create(ctx context.Context, sink *sinks.SinkInstance) error {
	fields, err := json.Marshal(sink.Fields)
	if err != nil {
		return errors.Wrap(err, "[SinkRepo.Create] encode fields")
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO sinks (`+sinkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sink.SinkID,
		sink.SinkCode,
		sink.ProviderCode,
		sink.ProviderID,
		sink.Label,
		sink.Destination,
		string(fields),
		formatTime(sink.CreatedAt),
		nullTime(utils.Value(sink.LastDrainedAt)),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sinks.ErrDuplicate
		}
		return errors.Wrap(err, "[SinkRepo.Create]")
	}
	return nil
}

func (r *SinkRepo) Get(ctx context.Context, sinkID string) (*sinks.SinkInstance, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sinkColumns+` FROM sinks WHERE sink_id = ?`, sinkID)
	sink, err := scanSink(row)
	if err != nil {
		return nil, errors.Wrap(err, "[SinkRepo.Get]")
	}
	return sink, nil
}

func (r *SinkRepo) Delete(ctx context.Context, sinkID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sinks WHERE sink_id = ?`, sinkID); err != nil {
		return errors.Wrap(err, "[SinkRepo.Delete]")
	}
	return nil
}

func (r *SinkRepo) ListByProvider(ctx context.Context, providerCode, providerID string) ([]*sinks.SinkInstance, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+sinkColumns+` FROM sinks
		WHERE provider_code = ? AND provider_id = ?
		ORDER BY created_at, sink_id`, providerCode, providerID)
	if err != nil {
		return nil, errors.Wrap(err, "[SinkRepo.ListByProvider]")
	}
	defer rows.Close()

	list := make([]*sinks.SinkInstance, 0)
	for rows.Next() {
		sink, err := scanSink(rows)
		if err != nil {
			return nil, errors.Wrap(err, "[SinkRepo.ListByProvider]")
		}
		list = append(list, sink)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "[SinkRepo.ListByProvider]")
	}
	return list, nil
}

func (r *SinkRepo) MarkDrained(ctx context.Context, sinkID string, drainedAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `UPDATE sinks SET last_drained_at = ? WHERE sink_id = ?`, formatTime(drainedAt), sinkID)
	if err != nil {
		return errors.Wrap(err, "[SinkRepo.MarkDrained]")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "[SinkRepo.MarkDrained] rows affected")
	}
	if affected == 0 {
		return sinks.ErrNotFound
	}
	return nil
}

func scanSink(row scanner) (*sinks.SinkInstance, error) {
	var (
		sink      sinks.SinkInstance
		fields    string
		createdAt string
		drainedAt sql.NullString
	)
	err := row.Scan(
		&sink.SinkID,
		&sink.SinkCode,
		&sink.ProviderCode,
		&sink.ProviderID,
		&sink.Label,
		&sink.Destination,
		&fields,
		&createdAt,
		&drainedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sinks.ErrNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal([]byte(fields), &sink.Fields); err != nil {
		return nil, errors.Wrap(err, "decode fields")
	}
	if sink.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	lastDrained, err := parseNullTime(drainedAt)
	if err != nil {
		return nil, err
	}
	sink.LastDrainedAt = utils.TimePtr(lastDrained)
	return &sink, nil
}
