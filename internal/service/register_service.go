package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"regexp"
	"strings"
	"sync/atomic"

	"fedipay/internal/federation"
	"fedipay/internal/model"
	"fedipay/internal/repository"

	"github.com/nbd-wtf/go-nostr"
)

var (
	ErrNameUnavailable   = errors.New("用户名不可用")
	ErrInvalidPubkey     = errors.New("公钥格式无效")
	ErrInvalidFederation = errors.New("联邦 invite code 无效或联邦不可达")
)

// UserStore 账户的持久化契约，gorm 仓储和内存实现都满足
type UserStore interface {
	Create(ctx context.Context, user *model.AppUser) error
	GetByID(ctx context.Context, id int64) (*model.AppUser, error)
	GetByPubkey(ctx context.Context, pubkey string) (*model.AppUser, error)
	GetByName(ctx context.Context, name string) (*model.AppUser, error)
	NameExists(ctx context.Context, name string) (bool, error)
	UpdateFederation(ctx context.Context, userID int64, federationID, inviteCode string) error
	SetDisabledZaps(ctx context.Context, userID int64, disabled bool) error
	NextInvoiceIndex(ctx context.Context, userID int64) (int64, error)
}

var nameRegex = regexp.MustCompile(`^[a-z0-9\-_.]+$`)

// IsValidName 用户名规则：2-30 位小写字母/数字/-_.
func IsValidName(name string) bool {
	if len(name) < 2 || len(name) > 30 {
		return false
	}
	return nameRegex.MatchString(name)
}

// 随机名词库，随机名 = 形容词 + 名词 + 单调递增序号
var (
	randomAdjectives = []string{
		"brave", "calm", "eager", "fancy", "gentle", "happy", "jolly",
		"kind", "lively", "merry", "nice", "proud", "quick", "silly",
		"witty", "zesty",
	}
	randomNouns = []string{
		"badger", "comet", "durian", "falcon", "galaxy", "harbor",
		"island", "jaguar", "kettle", "lantern", "meadow", "nebula",
		"otter", "pepper", "quartz", "river",
	}
)

type RegisterService struct {
	users    UserStore
	registry *federation.Registry
	// nameCounter 随机名的单调后缀，保证重名碰撞下仍有前进性
	nameCounter atomic.Int64
}

func NewRegisterService(users UserStore, registry *federation.Registry) *RegisterService {
	return &RegisterService{
		users:    users,
		registry: registry,
	}
}

// CheckAvailable 名字不合法或已被占用都算不可用
func (s *RegisterService) CheckAvailable(ctx context.Context, name string) (bool, error) {
	if !IsValidName(name) {
		return false, nil
	}
	exists, err := s.users.NameExists(ctx, name)
	if err != nil {
		return false, err
	}
	return !exists, nil
}

func (s *RegisterService) GetByPubkey(ctx context.Context, pubkey string) (*model.AppUser, error) {
	return s.users.GetByPubkey(ctx, pubkey)
}

func (s *RegisterService) GetByName(ctx context.Context, name string) (*model.AppUser, error) {
	return s.users.GetByName(ctx, name)
}

// Register 注册新账户
//
// 可用性是先查后插的乐观路径，插入撞唯一索引时以插入结果为准，
// 统一报 ErrNameUnavailable
func (s *RegisterService) Register(ctx context.Context, pubkey, requestedName, inviteCode string) (*model.AppUser, error) {
	if !nostr.IsValidPublicKeyHex(pubkey) {
		return nil, ErrInvalidPubkey
	}

	var name string
	if requestedName != "" {
		if !IsValidName(requestedName) {
			return nil, ErrNameUnavailable
		}
		exists, err := s.users.NameExists(ctx, requestedName)
		if err != nil {
			return nil, fmt.Errorf("查询用户名失败: %w", err)
		}
		if exists {
			return nil, ErrNameUnavailable
		}
		name = requestedName
	} else {
		generated, err := s.generateRandomName(ctx)
		if err != nil {
			return nil, fmt.Errorf("生成随机用户名失败: %w", err)
		}
		name = generated
	}

	client, err := s.ensureFederation(ctx, inviteCode)
	if err != nil {
		return nil, err
	}

	user := &model.AppUser{
		Pubkey:               pubkey,
		Name:                 name,
		FederationID:         client.FederationID(),
		FederationInviteCode: inviteCode,
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrNameTaken) {
			return nil, ErrNameUnavailable
		}
		return nil, fmt.Errorf("写入账户失败: %w", err)
	}

	log.Printf("[Register] 注册成功: name=%s, federationId=%s", name, user.FederationID)
	return user, nil
}

// ChangeFederation 切换账户的联邦，invite code 验证和加入路径与注册一致
func (s *RegisterService) ChangeFederation(ctx context.Context, user *model.AppUser, inviteCode string) error {
	client, err := s.ensureFederation(ctx, inviteCode)
	if err != nil {
		return err
	}
	return s.users.UpdateFederation(ctx, user.ID, client.FederationID(), inviteCode)
}

func (s *RegisterService) SetZapsDisabled(ctx context.Context, user *model.AppUser, disabled bool) error {
	return s.users.SetDisabledZaps(ctx, user.ID, disabled)
}

func (s *RegisterService) ensureFederation(ctx context.Context, inviteCode string) (federation.Client, error) {
	// fedimint invite code 是 fed1 开头的 bech32m 串
	if !strings.HasPrefix(inviteCode, "fed1") || len(inviteCode) < 16 {
		return nil, ErrInvalidFederation
	}

	client, err := s.registry.EnsureJoined(ctx, inviteCode)
	if err != nil {
		log.Printf("[Register] 加入联邦失败: err=%v", err)
		return nil, ErrInvalidFederation
	}
	return client, nil
}

// generateRandomName 随机名候选空间很大，循环重试直到可用
// 序号后缀单调递增，并发注册下不会活锁在同一批候选名上
func (s *RegisterService) generateRandomName(ctx context.Context) (string, error) {
	for {
		name := fmt.Sprintf("%s%s%d",
			randomAdjectives[rand.Intn(len(randomAdjectives))],
			randomNouns[rand.Intn(len(randomNouns))],
			s.nameCounter.Add(1),
		)

		available, err := s.CheckAvailable(ctx, name)
		if err != nil {
			return "", err
		}
		if available {
			return name, nil
		}
	}
}
