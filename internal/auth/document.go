package auth

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/Tyrowin/gocomet/internal/errs"
)

// Document checks the secret against the identity's stored profile.
type Document struct {
	profiles ProfileFinder
}

func NewDocument(profiles ProfileFinder) *Document {
	return &Document{profiles: profiles}
}

func (d *Document) Authorize(ctx context.Context, identityID, secret string) (bool, error) {
	if identityID == "" || secret == "" {
		return false, nil
	}
	p, err := d.profiles.FindByIdentity(ctx, identityID)
	if errors.Is(err, errs.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(p.SessionSecret), []byte(secret)) == 1, nil
}
