package repository

import (
	"context"
	"errors"

	"github.com/Sumit189/letItGoTasks/common/models"
)

func CreateTenant(ctx context.Context, store Store, tenant models.Tenant) error {
	return store.Pipeline().
		SAdd(TenantPartition, MembersIDKey, tenant.ID).
		SAdd(TenantPartition, MembersEmailKey, tenant.Email).
		HSet(TenantPartition, tenant.ID, EncodeTenant(tenant)).
		Exec(ctx)
}

// FindTenant returns ok=false when the tenant hash does not exist.
func FindTenant(ctx context.Context, store Store, id string) (models.Tenant, bool, error) {
	fields, err := store.HGetAll(ctx, TenantPartition, id)
	if err != nil {
		return models.Tenant{}, false, err
	}
	tenant, err := DecodeTenant(fields)
	if errors.Is(err, ErrEmptyRecord) {
		return models.Tenant{}, false, nil
	}
	if err != nil {
		return models.Tenant{}, false, err
	}
	return tenant, true, nil
}

func IsTenantEmailTaken(ctx context.Context, store Store, email string) (bool, error) {
	return store.SIsMember(ctx, TenantPartition, MembersEmailKey, email)
}
