// Package memory keeps every repository in process memory behind one mutex.
// It backs the "memory" storage driver used for local runs and tests and
// mirrors the Postgres repositories' semantics, including atomic queue claims.
package memory

import (
	"sync"

	"github.com/google/uuid"

	"notifydispatch/internal/entity"
)

type Store struct {
	mu sync.Mutex

	seq           int64
	notifications map[uuid.UUID]*entity.Notification
	items         map[uuid.UUID]*entity.DeliveryItem
	itemSeq       map[uuid.UUID]int64
	logs          []entity.DeliveryLog
	templates     map[uuid.UUID]*entity.Template
	rules         map[uuid.UUID]*entity.Rule
	settings      map[uuid.UUID]*entity.UserSettings
	campaigns     map[uuid.UUID]*entity.Campaign
	devices       map[string]*entity.Device
	members       map[uuid.UUID]*Member
}

func New() *Store {
	return &Store{
		notifications: make(map[uuid.UUID]*entity.Notification),
		items:         make(map[uuid.UUID]*entity.DeliveryItem),
		itemSeq:       make(map[uuid.UUID]int64),
		templates:     make(map[uuid.UUID]*entity.Template),
		rules:         make(map[uuid.UUID]*entity.Rule),
		settings:      make(map[uuid.UUID]*entity.UserSettings),
		campaigns:     make(map[uuid.UUID]*entity.Campaign),
		devices:       make(map[string]*entity.Device),
		members:       make(map[uuid.UUID]*Member),
	}
}

func (s *Store) Notifications() *NotificationRepository { return &NotificationRepository{s: s} }
func (s *Store) Queue() *QueueRepository { return &QueueRepository{s: s} }
func (s *Store) Templates() *TemplateRepository { return &TemplateRepository{s: s} }
func (s *Store) Rules() *RuleRepository { return &RuleRepository{s: s} }
func (s *Store) Settings() *SettingsRepository { return &SettingsRepository{s: s} }
func (s *Store) Campaigns() *CampaignRepository { return &CampaignRepository{s: s} }
func (s *Store) Devices() *DeviceRepository { return &DeviceRepository{s: s} }
func (s *Store) Directory() *Directory { return &Directory{s: s} }

func (s *Store) next() int64 {
	s.seq++
	return s.seq
}
