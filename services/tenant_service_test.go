package services

import (
	"context"
	"testing"

	"github.com/Sumit189/letItGoTasks/common/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantRegister(t *testing.T) {
	env := newTestEnv(t, alwaysOK)
	ctx := context.Background()

	tenant, err := env.tenants.Register(ctx, "  Owner@Example.com ")
	require.NoError(t, err)
	assert.Len(t, tenant.ID, 32)
	assert.Regexp(t, "^[0-9A-F]+$", tenant.ID)
	assert.Equal(t, "owner@example.com", tenant.Email)
	assert.Equal(t, int64(10), tenant.TaskInQueueLimit)

	info, err := env.tenants.Info(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.Email, info.Email)
	assert.Zero(t, info.TaskInQueue)

	assert.NoError(t, env.tenants.Known(ctx, tenant.ID))
	assert.ErrorIs(t, env.tenants.Known(ctx, "MISSING"), ErrUnknownTenant)

	_, err = env.tenants.Register(ctx, "OWNER@example.com")
	assert.ErrorIs(t, err, ErrConflict)
	_, err = env.tenants.Register(ctx, "not an email")
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = env.tenants.Info(ctx, "MISSING")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTenantAdmit(t *testing.T) {
	env := newTestEnv(t, alwaysOK)
	env.tenants = NewTenantService(env.store, 2)
	tenantID := env.tenant(t)
	ctx := context.Background()

	assert.ErrorIs(t, env.tenants.Admit(ctx, ""), ErrUnknownTenant)
	assert.ErrorIs(t, env.tenants.Admit(ctx, "MISSING"), ErrUnknownTenant)

	for i := 0; i < 2; i++ {
		require.NoError(t, env.tenants.Admit(ctx, tenantID))
		_, err := env.engine.Subscribe(ctx, tenantID, postTask(models.TaskConfigInput{ExecutionDelay: i64(60000)}))
		require.NoError(t, err)
	}
	assert.ErrorIs(t, env.tenants.Admit(ctx, tenantID), ErrQuotaExceeded)

	info, err := env.tenants.Info(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.TaskInQueue)
}
