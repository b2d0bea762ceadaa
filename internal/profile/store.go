// Package profile reads identity profiles from MongoDB. The document auth
// adapter takes session secrets from it; profiles are written by the
// account service that owns the collection.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Tyrowin/gocomet/internal/errs"
)

const CollectionName = "profiles"

// Profile is one identity document.
type Profile struct {
	IdentityID    string    `bson:"identity_id"`
	SessionSecret string    `bson:"session_secret"`
	DisplayName   string    `bson:"display_name,omitempty"`
	UpdatedAt     time.Time `bson:"updated_at"`
}

type Options struct {
	URI      string
	Database string
	AppName  string
	Timeout  time.Duration
}

// Store is the profiles collection.
type Store struct {
	client  *mongo.Client
	coll    *mongo.Collection
	timeout time.Duration
	log     *slog.Logger
}

func clientOptions(opts Options, log *slog.Logger) *options.ClientOptions {
	co := options.Client().ApplyURI(opts.URI).SetAppName(opts.AppName)
	co.SetConnectTimeout(opts.Timeout)
	co.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				log.Debug("Database connection created", "address", evt.Address)
			case event.ConnectionClosed:
				log.Debug("Database connection closed", "address", evt.Address, "reason", evt.Reason)
			}
		},
	})
	return co
}

// Connect dials MongoDB, pings it and ensures the identity index.
func Connect(ctx context.Context, opts Options, log *slog.Logger) (*Store, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	log.Debug("Connecting to database...", "database", opts.Database)

	connectCtx, cancel := context.WithTimeout(ctx, 3*opts.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOptions(opts, log))
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		client:  client,
		coll:    client.Database(opts.Database).Collection(CollectionName),
		timeout: opts.Timeout,
		log:     log,
	}
	_, err = s.coll.Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "identity_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("profiles_identity_id_unique"),
	})
	if err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("create profile index: %w", err)
	}
	log.Info("Database connected", "database", opts.Database)
	return s, nil
}

// FindByIdentity returns the profile of identityID.
func (s *Store) FindByIdentity(ctx context.Context, identityID string) (*Profile, error) {
	if identityID == "" {
		return nil, errs.ErrVoidID
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var p Profile
	err := s.coll.FindOne(ctx, bson.D{{Key: "identity_id", Value: identityID}}).Decode(&p)
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return nil, errs.ErrKeyNotFound.WithParams(map[string]any{"identity": identityID})
	case err != nil:
		return nil, fmt.Errorf("find profile: %w", err)
	}
	return &p, nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	s.log.Info("Closing database connection")
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}
