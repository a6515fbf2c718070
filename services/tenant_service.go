package services

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/Sumit189/letItGoTasks/common/models"
	"github.com/Sumit189/letItGoTasks/common/repository"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// TenantService registers tenants and admits their tasks against the quota.
type TenantService struct {
	store repository.Store
	limit int64
}

func NewTenantService(store repository.Store, queueLimit int64) *TenantService {
	return &TenantService{store: store, limit: queueLimit}
}

func (s *TenantService) Register(ctx context.Context, email string) (models.Tenant, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return models.Tenant{}, fmt.Errorf("%w: invalid email", ErrBadRequest)
	}
	email = strings.ToLower(addr.Address)

	taken, err := repository.IsTenantEmailTaken(ctx, s.store, email)
	if err != nil {
		return models.Tenant{}, err
	}
	if taken {
		return models.Tenant{}, fmt.Errorf("%w: email already registered", ErrConflict)
	}

	tenant := models.Tenant{
		ID:               strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")),
		Email:            email,
		CreatedAt:        nowMs(),
		TaskInQueueLimit: s.limit,
	}
	if err := repository.CreateTenant(ctx, s.store, tenant); err != nil {
		return models.Tenant{}, fmt.Errorf("create tenant: %w", err)
	}
	log.Info().Str("tenant_id", tenant.ID).Msg("Tenant registered")
	return tenant, nil
}

func (s *TenantService) Info(ctx context.Context, id string) (models.Tenant, error) {
	tenant, ok, err := repository.FindTenant(ctx, s.store, id)
	if err != nil {
		return models.Tenant{}, err
	}
	if !ok {
		return models.Tenant{}, ErrNotFound
	}
	return tenant, nil
}

// Admit checks that tenantID exists and has a free queue slot.
func (s *TenantService) Admit(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrUnknownTenant
	}
	tenant, ok, err := repository.FindTenant(ctx, s.store, tenantID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownTenant
	}
	if tenant.TaskInQueue >= tenant.TaskInQueueLimit {
		return fmt.Errorf("%w: %d of %d", ErrQuotaExceeded, tenant.TaskInQueue, tenant.TaskInQueueLimit)
	}
	return nil
}

// Known reports whether tenantID is registered.
func (s *TenantService) Known(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrUnknownTenant
	}
	ok, err := s.store.SIsMember(ctx, repository.TenantPartition, repository.MembersIDKey, tenantID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrUnknownTenant
	}
	return nil
}
