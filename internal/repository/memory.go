package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"fedipay/internal/model"
)

// 内存实现，和 gorm 仓储满足同一组接口
// 用于测试和 federation.mode=fake 的本地联调，唯一性约束同样是原子的

type MemoryUserStore struct {
	mu     sync.Mutex
	nextID int64
	byID   map[int64]*model.AppUser
	byName map[string]int64
	byKey  map[string]int64
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:   make(map[int64]*model.AppUser),
		byName: make(map[string]int64),
		byKey:  make(map[string]int64),
	}
}

func (s *MemoryUserStore) Create(ctx context.Context, user *model.AppUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[user.Name]; ok {
		return ErrNameTaken
	}
	if _, ok := s.byKey[user.Pubkey]; ok {
		return ErrNameTaken
	}

	s.nextID++
	user.ID = s.nextID
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt

	cp := *user
	s.byID[user.ID] = &cp
	s.byName[user.Name] = user.ID
	s.byKey[user.Pubkey] = user.ID
	return nil
}

func (s *MemoryUserStore) GetByID(ctx context.Context, id int64) (*model.AppUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

func (s *MemoryUserStore) GetByPubkey(ctx context.Context, pubkey string) (*model.AppUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byKey[pubkey]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemoryUserStore) GetByName(ctx context.Context, name string) (*model.AppUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byName[name]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemoryUserStore) NameExists(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.byName[name]
	return ok, nil
}

func (s *MemoryUserStore) UpdateFederation(ctx context.Context, userID int64, federationID, inviteCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.byID[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.FederationID = federationID
	user.FederationInviteCode = inviteCode
	user.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryUserStore) SetDisabledZaps(ctx context.Context, userID int64, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.byID[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.DisabledZaps = disabled
	user.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryUserStore) NextInvoiceIndex(ctx context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.byID[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	user.InvoiceIndex++
	return user.InvoiceIndex, nil
}

type MemoryInvoiceStore struct {
	mu   sync.Mutex
	byID map[int64]*model.Invoice
	// byOp 按 federation_id + op_id 去重
	byOp map[string]int64
}

func NewMemoryInvoiceStore() *MemoryInvoiceStore {
	return &MemoryInvoiceStore{
		byID: make(map[int64]*model.Invoice),
		byOp: make(map[string]int64),
	}
}

func opKey(federationID, opID string) string {
	return federationID + "/" + opID
}

func (s *MemoryInvoiceStore) Create(ctx context.Context, invoice *model.Invoice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := opKey(invoice.FederationID, invoice.OpID)
	if _, ok := s.byOp[key]; ok {
		return ErrDuplicateOperation
	}

	invoice.CreatedAt = time.Now()
	invoice.UpdatedAt = invoice.CreatedAt

	cp := *invoice
	s.byID[invoice.ID] = &cp
	s.byOp[key] = invoice.ID
	return nil
}

func (s *MemoryInvoiceStore) GetByID(ctx context.Context, id int64) (*model.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, ok := s.byID[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	cp := *invoice
	return &cp, nil
}

func (s *MemoryInvoiceStore) GetByOpID(ctx context.Context, opID string) (*model.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, invoice := range s.byID {
		if invoice.OpID == opID {
			cp := *invoice
			return &cp, nil
		}
	}
	return nil, ErrInvoiceNotFound
}

func (s *MemoryInvoiceStore) GetPending(ctx context.Context) ([]*model.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*model.Invoice
	for _, invoice := range s.byID {
		if invoice.Status == model.InvoiceStatusPending {
			cp := *invoice
			pending = append(pending, &cp)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

func (s *MemoryInvoiceStore) MarkNotified(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, ok := s.byID[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	if invoice.NotifiedAt == nil {
		now := time.Now()
		invoice.NotifiedAt = &now
	}
	return nil
}

func (s *MemoryInvoiceStore) SetSettled(ctx context.Context, id int64, preimage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, ok := s.byID[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	if invoice.Status != model.InvoiceStatusPending {
		return ErrInvoiceStatusInvalid
	}
	invoice.Status = model.InvoiceStatusSettled
	invoice.Preimage = preimage
	invoice.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryInvoiceStore) SetCancelled(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	invoice, ok := s.byID[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	if invoice.Status != model.InvoiceStatusPending {
		return ErrInvoiceStatusInvalid
	}
	invoice.Status = model.InvoiceStatusCancelled
	invoice.UpdatedAt = time.Now()
	return nil
}

type MemoryAlertStore struct {
	mu     sync.Mutex
	nextID int64
	alerts []*model.DeliveryAlert
}

func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{}
}

func (s *MemoryAlertStore) Create(ctx context.Context, alert *model.DeliveryAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	alert.ID = s.nextID
	alert.CreatedAt = time.Now()
	if alert.Status == "" {
		alert.Status = model.AlertStatusPending
	}
	cp := *alert
	s.alerts = append(s.alerts, &cp)
	return nil
}

// Alerts 返回快照，测试断言用
func (s *MemoryAlertStore) Alerts() []*model.DeliveryAlert {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.DeliveryAlert, 0, len(s.alerts))
	for _, a := range s.alerts {
		cp := *a
		out = append(out, &cp)
	}
	return out
}
