package datastore

import (
	"context"
	"database/sql"

	"github.com/jrsteele09/go-credential-broker/instances"
	"github.com/pkg/errors"
)

var _ instances.Repo = (*InstanceRepo)(nil)

const instanceColumns = `instance_id, provider_code, start_url, region, label, client_id,
	access_token, access_token_expires_at, access_token_stale, is_favorite,
	created_at, updated_at, version`

type InstanceRepo struct {
	db *sql.DB
}

func (r *InstanceRepo) Create(ctx context.Context, instance *instances.ProviderInstance) error {
	version := instance.Version
	if version == 0 {
		version = 1
	}
	updatedAt := instance.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = instance.CreatedAt
	}

	_, err := r.db.ExecContext(ctx, `INSERT INTO provider_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		instance.InstanceID,
		instance.ProviderCode,
		instance.StartURL,
		instance.Region,
		instance.Label,
		instance.ClientID,
		instance.AccessToken,
		nullTime(instance.AccessTokenExpiresAt),
		instance.AccessTokenStale,
		instance.IsFavorite,
		formatTime(instance.CreatedAt),
		formatTime(updatedAt),
		version,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return instances.ErrDuplicate
		}
		return errors.Wrap(err, "[InstanceRepo.Create]")
	}
	instance.Version = version
	return nil
}

func (r *InstanceRepo) Get(ctx context.Context, instanceID string) (*instances.ProviderInstance, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM provider_instances WHERE instance_id = ?`, instanceID)
	instance, err := scanInstance(row)
	if err != nil {
		return nil, errors.Wrap(err, "[InstanceRepo.Get]")
	}
	return instance, nil
}

func (r *InstanceRepo) FindByStartURL(ctx context.Context, startURL, region string) (*instances.ProviderInstance, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM provider_instances WHERE start_url = ? AND region = ?`, startURL, region)
	instance, err := scanInstance(row)
	if err != nil {
		return nil, errors.Wrap(err, "[InstanceRepo.FindByStartURL]")
	}
	return instance, nil
}

func (r *InstanceRepo) List(ctx context.Context) ([]*instances.ProviderInstance, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+instanceColumns+` FROM provider_instances ORDER BY created_at DESC, instance_id DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "[InstanceRepo.List]")
	}
	defer rows.Close()

	list := make([]*instances.ProviderInstance, 0)
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, "[InstanceRepo.List]")
		}
		list = append(list, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "[InstanceRepo.List]")
	}
	return list, nil
}

// Update writes every mutable column. StartURL, Region and CreatedAt are
// fixed at creation.
func (r *InstanceRepo) Update(ctx context.Context, instance *instances.ProviderInstance) error {
	result, err := r.db.ExecContext(ctx, `UPDATE provider_instances SET
		label = ?, client_id = ?, access_token = ?, access_token_expires_at = ?,
		access_token_stale = ?, is_favorite = ?, updated_at = ?, version = version + 1
		WHERE instance_id = ? AND version = ?`,
		instance.Label,
		instance.ClientID,
		instance.AccessToken,
		nullTime(instance.AccessTokenExpiresAt),
		instance.AccessTokenStale,
		instance.IsFavorite,
		formatTime(instance.UpdatedAt),
		instance.InstanceID,
		instance.Version,
	)
	if err != nil {
		return errors.Wrap(err, "[InstanceRepo.Update]")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "[InstanceRepo.Update] rows affected")
	}
	if affected == 0 {
		if _, err := r.Get(ctx, instance.InstanceID); err != nil {
			return err
		}
		return instances.ErrConflict
	}

	instance.Version++
	return nil
}

func (r *InstanceRepo) Delete(ctx context.Context, instanceID string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM provider_instances WHERE instance_id = ?`, instanceID)
	if err != nil {
		return errors.Wrap(err, "[InstanceRepo.Delete]")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "[InstanceRepo.Delete] rows affected")
	}
	if affected == 0 {
		return instances.ErrNotFound
	}
	return nil
}

func scanInstance(row scanner) (*instances.ProviderInstance, error) {
	var (
		instance  instances.ProviderInstance
		expiresAt sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(
		&instance.InstanceID,
		&instance.ProviderCode,
		&instance.StartURL,
		&instance.Region,
		&instance.Label,
		&instance.ClientID,
		&instance.AccessToken,
		&expiresAt,
		&instance.AccessTokenStale,
		&instance.IsFavorite,
		&createdAt,
		&updatedAt,
		&instance.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, instances.ErrNotFound
		}
		return nil, err
	}

	if instance.AccessTokenExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	if instance.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if instance.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &instance, nil
}
