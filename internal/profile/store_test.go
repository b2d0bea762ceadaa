package profile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gocomet/internal/errs"
	"github.com/Tyrowin/gocomet/internal/logger"
)

func TestEmptyIdentityIsRejectedBeforeQuerying(t *testing.T) {
	s := &Store{timeout: time.Second, log: logger.Discard()}

	_, err := s.FindByIdentity(context.Background(), "")
	assert.ErrorIs(t, err, errs.ErrVoidID)
}

func TestClientOptionsCarryURIAndAppName(t *testing.T) {
	co := clientOptions(Options{
		URI:     "mongodb://db.internal:27017",
		AppName: "gocomet-w1",
		Timeout: 2 * time.Second,
	}, logger.Discard())

	require.NoError(t, co.Validate())
	assert.Equal(t, []string{"db.internal:27017"}, co.Hosts)
	require.NotNil(t, co.AppName)
	assert.Equal(t, "gocomet-w1", *co.AppName)
	require.NotNil(t, co.ConnectTimeout)
	assert.Equal(t, 2*time.Second, *co.ConnectTimeout)
	assert.NotNil(t, co.PoolMonitor)
}
