package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"whatsapp-hub/types"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: record not found")

// InstanceService handles persisted instance configuration and status
type InstanceService interface {
	// Create inserts a new instance row
	Create(ctx context.Context, inst *types.Instance) error

	// GetByPhone retrieves an instance by its phone number
	GetByPhone(ctx context.Context, phone string) (*types.Instance, error)

	// List returns every instance ordered by id
	List(ctx context.Context) ([]*types.Instance, error)

	// ListByStatus returns instances whose persisted status is one of statuses
	ListByStatus(ctx context.Context, statuses ...string) ([]*types.Instance, error)

	// Update saves name and alias changes
	Update(ctx context.Context, inst *types.Instance) error

	// UpdateStatus mirrors a runtime status change
	UpdateStatus(ctx context.Context, phone string, status types.ConnectionStatus) error

	// SetDeviceJID records the paired device address
	SetDeviceJID(ctx context.Context, phone, jid string) error

	// Delete removes an instance row
	Delete(ctx context.Context, phone string) error
}

// MessageService stores inbound and outbound messages
type MessageService interface {
	Create(ctx context.Context, msg *types.Message) error
	ListByInstance(ctx context.Context, instanceID int64, limit int) ([]*types.Message, error)
}

// WebhookService manages webhook registrations
type WebhookService interface {
	Create(ctx context.Context, hook *types.Webhook) error
	List(ctx context.Context, instanceID int64) ([]*types.Webhook, error)
	Delete(ctx context.Context, id int64) error

	// GetEnabledWebhooks returns enabled webhooks of the instance subscribed to event
	GetEnabledWebhooks(ctx context.Context, instanceID int64, event string) ([]*types.Webhook, error)
}

// WebhookHistoryService stores delivery attempts
type WebhookHistoryService interface {
	Create(ctx context.Context, rec *types.WebhookHistory) error
	ListByWebhook(ctx context.Context, webhookID int64, limit int) ([]*types.WebhookHistory, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// InstanceLogService stores lifecycle audit lines
type InstanceLogService interface {
	Create(ctx context.Context, log *types.InstanceLog) error
	ListByInstance(ctx context.Context, instanceID int64, limit int) ([]*types.InstanceLog, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// GormInstanceRepository implements InstanceService
type GormInstanceRepository struct {
	db *gorm.DB
}

func NewGormInstanceRepository(db *gorm.DB) *GormInstanceRepository {
	return &GormInstanceRepository{db: db}
}

func (r *GormInstanceRepository) Create(ctx context.Context, inst *types.Instance) error {
	if inst.ConnectionStatus == "" {
		inst.ConnectionStatus = types.StatusDisconnected
	}
	if inst.Status == "" {
		inst.Status = inst.ConnectionStatus.Persisted()
	}
	return r.db.WithContext(ctx).Create(inst).Error
}

func (r *GormInstanceRepository) GetByPhone(ctx context.Context, phone string) (*types.Instance, error) {
	var inst types.Instance
	err := r.db.WithContext(ctx).Where("phone = ?", phone).First(&inst).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &inst, nil
}

func (r *GormInstanceRepository) List(ctx context.Context) ([]*types.Instance, error) {
	var list []*types.Instance
	err := r.db.WithContext(ctx).Order("id").Find(&list).Error
	return list, err
}

func (r *GormInstanceRepository) ListByStatus(ctx context.Context, statuses ...string) ([]*types.Instance, error) {
	var list []*types.Instance
	err := r.db.WithContext(ctx).Where("status IN ?", statuses).Order("id").Find(&list).Error
	return list, err
}

func (r *GormInstanceRepository) Update(ctx context.Context, inst *types.Instance) error {
	return r.db.WithContext(ctx).Model(&types.Instance{}).
		Where("phone = ?", inst.Phone).
		Updates(map[string]interface{}{
			"name":       inst.Name,
			"alias":      inst.Alias,
			"updated_at": time.Now(),
		}).Error
}

func (r *GormInstanceRepository) UpdateStatus(ctx context.Context, phone string, status types.ConnectionStatus) error {
	res := r.db.WithContext(ctx).Model(&types.Instance{}).
		Where("phone = ?", phone).
		Updates(map[string]interface{}{
			"status":            status.Persisted(),
			"connection_status": status,
			"updated_at":        time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormInstanceRepository) SetDeviceJID(ctx context.Context, phone, jid string) error {
	return r.db.WithContext(ctx).Model(&types.Instance{}).
		Where("phone = ?", phone).
		Updates(map[string]interface{}{
			"device_jid": jid,
			"updated_at": time.Now(),
		}).Error
}

func (r *GormInstanceRepository) Delete(ctx context.Context, phone string) error {
	res := r.db.WithContext(ctx).Where("phone = ?", phone).Delete(&types.Instance{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GormMessageRepository implements MessageService
type GormMessageRepository struct {
	db *gorm.DB
}

func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	return &GormMessageRepository{db: db}
}

func (r *GormMessageRepository) Create(ctx context.Context, msg *types.Message) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *GormMessageRepository) ListByInstance(ctx context.Context, instanceID int64, limit int) ([]*types.Message, error) {
	var list []*types.Message
	err := r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("id DESC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

// GormWebhookRepository implements WebhookService
type GormWebhookRepository struct {
	db *gorm.DB
}

func NewGormWebhookRepository(db *gorm.DB) *GormWebhookRepository {
	return &GormWebhookRepository{db: db}
}

func (r *GormWebhookRepository) Create(ctx context.Context, hook *types.Webhook) error {
	return r.db.WithContext(ctx).Create(hook).Error
}

func (r *GormWebhookRepository) List(ctx context.Context, instanceID int64) ([]*types.Webhook, error) {
	var list []*types.Webhook
	err := r.db.WithContext(ctx).Where("instance_id = ?", instanceID).Order("id").Find(&list).Error
	return list, err
}

func (r *GormWebhookRepository) Delete(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Delete(&types.Webhook{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// The event set is stored as a comma separated list, so matching happens
// after the enabled/instance filter.
func (r *GormWebhookRepository) GetEnabledWebhooks(ctx context.Context, instanceID int64, event string) ([]*types.Webhook, error) {
	var candidates []*types.Webhook
	err := r.db.WithContext(ctx).
		Where("instance_id = ? AND enabled = ?", instanceID, true).
		Order("id").
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	hooks := candidates[:0]
	for _, h := range candidates {
		if h.Subscribes(event) {
			hooks = append(hooks, h)
		}
	}
	return hooks, nil
}

// GormWebhookHistoryRepository implements WebhookHistoryService
type GormWebhookHistoryRepository struct {
	db *gorm.DB
}

func NewGormWebhookHistoryRepository(db *gorm.DB) *GormWebhookHistoryRepository {
	return &GormWebhookHistoryRepository{db: db}
}

func (r *GormWebhookHistoryRepository) Create(ctx context.Context, rec *types.WebhookHistory) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *GormWebhookHistoryRepository) ListByWebhook(ctx context.Context, webhookID int64, limit int) ([]*types.WebhookHistory, error) {
	var list []*types.WebhookHistory
	err := r.db.WithContext(ctx).
		Where("webhook_id = ?", webhookID).
		Order("id DESC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func (r *GormWebhookHistoryRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", before).Delete(&types.WebhookHistory{})
	return res.RowsAffected, res.Error
}

// GormInstanceLogRepository implements InstanceLogService
type GormInstanceLogRepository struct {
	db *gorm.DB
}

func NewGormInstanceLogRepository(db *gorm.DB) *GormInstanceLogRepository {
	return &GormInstanceLogRepository{db: db}
}

func (r *GormInstanceLogRepository) Create(ctx context.Context, log *types.InstanceLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *GormInstanceLogRepository) ListByInstance(ctx context.Context, instanceID int64, limit int) ([]*types.InstanceLog, error) {
	var list []*types.InstanceLog
	err := r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("id DESC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

func (r *GormInstanceLogRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("created_at < ?", before).Delete(&types.InstanceLog{})
	return res.RowsAffected, res.Error
}
