package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Tyrowin/gocomet/internal/errs"
	"github.com/Tyrowin/gocomet/internal/kv"
)

// Grants maps module id to grant name to allowed.
type Grants map[string]map[string]bool

// Record is the state that survives a reconnect.
type Record struct {
	IP         string
	ACL        Grants
	CustomData map[string]map[string]any
	Worker     string
}

// Persistable is implemented by state that can be captured into a Record.
type Persistable interface {
	Snapshot() Record
	Restore(Record)
}

var _ Persistable = (*Session)(nil)

const (
	fieldIP     = "ip"
	fieldACL    = "acl"
	fieldCustom = "customData"
	fieldWorker = "worker"
)

// Store keeps persistence records in Redis hashes, indexed per worker.
type Store struct {
	kv *kv.Store
}

func NewStore(store *kv.Store) *Store {
	return &Store{kv: store}
}

func recordKey(token string) string { return kv.Key(kv.PersistenceRecord, token) }
func indexKey(workerID string) string { return kv.Key(kv.PersistenceIndex, workerID) }

// Load returns the record for token or ModelError#KeyNotFound.
func (s *Store) Load(ctx context.Context, token string) (Record, error) {
	if token == "" {
		return Record{}, errs.ErrVoidID
	}
	fields, err := s.kv.HGetAll(ctx, recordKey(token))
	if err != nil {
		return Record{}, err
	}

	rec := Record{IP: fields[fieldIP], Worker: fields[fieldWorker]}
	if raw := fields[fieldACL]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.ACL); err != nil {
			return Record{}, errs.ErrUnknown.WithMessage("decode acl").WithCause(err)
		}
	}
	if raw := fields[fieldCustom]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &rec.CustomData); err != nil {
			return Record{}, errs.ErrUnknown.WithMessage("decode customData").WithCause(err)
		}
	}
	return rec, nil
}

// Save writes the record and adds token to the owning worker's index.
func (s *Store) Save(ctx context.Context, token string, rec Record) error {
	if token == "" {
		return errs.ErrVoidID
	}
	acl, err := json.Marshal(orEmpty(rec.ACL))
	if err != nil {
		return fmt.Errorf("encode acl: %w", err)
	}
	custom, err := json.Marshal(orEmpty(rec.CustomData))
	if err != nil {
		return fmt.Errorf("encode customData: %w", err)
	}
	err = s.kv.HSet(ctx, recordKey(token), map[string]string{
		fieldIP:     rec.IP,
		fieldACL:    string(acl),
		fieldCustom: string(custom),
		fieldWorker: rec.Worker,
	})
	if err != nil {
		return err
	}
	if rec.Worker == "" {
		return nil
	}
	return s.kv.SAdd(ctx, indexKey(rec.Worker), token)
}

// Owner returns the worker that last saved the record.
func (s *Store) Owner(ctx context.Context, token string) (string, error) {
	return s.kv.HGet(ctx, recordKey(token), fieldWorker)
}

// Delete removes the record and drops token from workerID's index.
func (s *Store) Delete(ctx context.Context, token, workerID string) error {
	return errors.Join(
		s.kv.Del(ctx, recordKey(token)),
		s.Forget(ctx, token, workerID),
	)
}

// Forget drops token from workerID's index without touching the record.
func (s *Store) Forget(ctx context.Context, token, workerID string) error {
	return s.kv.SRem(ctx, indexKey(workerID), token)
}

// Pending lists tokens indexed for workerID.
func (s *Store) Pending(ctx context.Context, workerID string) ([]string, error) {
	return s.kv.SMembers(ctx, indexKey(workerID))
}

func orEmpty[M ~map[string]V, V any](m M) M {
	if m == nil {
		return M{}
	}
	return m
}
