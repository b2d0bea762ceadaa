// Package auth provides the admission authorizers a worker can be
// configured with.
package auth

import (
	"context"
	"fmt"
	"regexp"

	"github.com/Tyrowin/gocomet/internal/config"
	"github.com/Tyrowin/gocomet/internal/kv"
	"github.com/Tyrowin/gocomet/internal/profile"
	"github.com/Tyrowin/gocomet/internal/session"
)

// ProfileFinder looks up identity profiles.
type ProfileFinder interface {
	FindByIdentity(ctx context.Context, identityID string) (*profile.Profile, error)
}

// New builds the authorizer named by cfg.Adapter. profiles may be nil
// unless the document adapter is selected.
func New(cfg config.AuthConfig, store *kv.Store, profiles ProfileFinder) (session.Authorizer, error) {
	switch cfg.Adapter {
	case config.AuthStatic:
		return Static{User: cfg.AdminUser, Password: cfg.AdminPassword}, nil
	case config.AuthRegistry:
		return NewRegistry(store), nil
	case config.AuthSession:
		return NewSessionLookup(store), nil
	case config.AuthJWT:
		return NewJWT(cfg.JWTSecret)
	case config.AuthDocument:
		if profiles == nil {
			return nil, fmt.Errorf("auth adapter %q needs mongo.enabled", cfg.Adapter)
		}
		return NewDocument(profiles), nil
	}
	return nil, fmt.Errorf("unknown auth adapter %q", cfg.Adapter)
}

// Static accepts exactly one configured identity.
type Static struct {
	User     string
	Password string
}

func (s Static) Authorize(_ context.Context, identityID, secret string) (bool, error) {
	if s.User == "" || s.Password == "" {
		return false, nil
	}
	return identityID == s.User && secret == s.Password, nil
}

var credentialPattern = regexp.MustCompile(`^[a-z0-9]{3,20}$`)

// Registry registers an identity with its secret on first login and checks
// the secret on later logins.
type Registry struct {
	kv *kv.Store
}

func NewRegistry(store *kv.Store) *Registry {
	return &Registry{kv: store}
}

func (r *Registry) Authorize(ctx context.Context, identityID, secret string) (bool, error) {
	if !credentialPattern.MatchString(identityID) || !credentialPattern.MatchString(secret) {
		return false, nil
	}
	key := kv.Key(kv.ChatAuth, identityID)
	created, err := r.kv.SetNX(ctx, key, secret, 0)
	if err != nil {
		return false, err
	}
	if created {
		return true, nil
	}
	stored, err := r.kv.Get(ctx, key)
	if err != nil {
		return false, err
	}
	return stored == secret, nil
}
