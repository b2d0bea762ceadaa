package auth

import (
	"context"
	"errors"

	"github.com/Tyrowin/gocomet/internal/errs"
	"github.com/Tyrowin/gocomet/internal/kv"
)

// SessionLookup treats the secret as a session id issued by another
// service that stored {"id": identity} under users:session:<sid>.
type SessionLookup struct {
	kv *kv.Store
}

func NewSessionLookup(store *kv.Store) *SessionLookup {
	return &SessionLookup{kv: store}
}

type sessionRecord struct {
	ID string `json:"id"`
}

func (s *SessionLookup) Authorize(ctx context.Context, identityID, secret string) (bool, error) {
	if identityID == "" || secret == "" {
		return false, nil
	}
	var rec sessionRecord
	err := s.kv.GetJSON(ctx, kv.Key(kv.UserSession, secret), &rec)
	if errors.Is(err, errs.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.ID == identityID, nil
}
