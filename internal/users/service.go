package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cartoonrewatch/crt80/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	AdminUserIDs []string
}

// Service resolves chat profiles from session claims and answers admin checks.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	admins map[string]struct{}
	cache  sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	admins := make(map[string]struct{}, len(cfg.AdminUserIDs))
	for _, id := range cfg.AdminUserIDs {
		if trimmed := normalize(id); trimmed != "" {
			admins[trimmed] = struct{}{}
		}
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		admins: admins,
	}, nil
}

// IsAdmin reports whether the user id is on the configured allow-list.
func (s *Service) IsAdmin(userID string) bool {
	_, ok := s.admins[normalize(userID)]
	return ok
}

// ResolveProfile returns the chat profile for the session claims, recording the
// identity the first time it is seen and refreshing its username afterwards.
func (s *Service) ResolveProfile(claims auth.SessionClaims) (Profile, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Profile{}, ErrInvalidIdentity
	}
	profile := Profile{
		UserID:   normalize(claims.UserID),
		Username: normalize(claims.Username),
	}
	if profile.UserID == "" {
		profile.UserID = subject
	}
	if profile.Username == "" {
		profile.Username = subject
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if cachedProfile, ok := cached.(Profile); ok && cachedProfile.Username == profile.Username {
			return cachedProfile, nil
		}
	}

	var identity Identity
	err := s.db.
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		identity = Identity{
			Provider:   provider,
			Subject:    subject,
			Username:   profile.Username,
			LastSeenAt: s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return profile, err
		}
	} else if err != nil {
		return profile, err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if profile.Username != identity.Username {
			updates["username"] = profile.Username
		}
		if err := s.db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error; err != nil {
			return profile, err
		}
	}

	s.cache.Store(cacheKey, profile)
	return profile, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "discord"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	return provider, subject
}
