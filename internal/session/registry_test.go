package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cabwire/cabwire/internal/fares"
	"github.com/cabwire/cabwire/internal/storage/sqlite"
	"github.com/cabwire/cabwire/pkg/logger"
)

func newTestRegistry(t *testing.T) (*Registry, *fakeSink, *fakeHistory) {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error", Format: "console"})
	require.NoError(t, err)

	sink := &fakeSink{}
	history := &fakeHistory{}
	deps := Deps{
		Fares:      &fakeProvider{quotes: []*fares.Quote{cleanQuote(10.00)}},
		Fallback:   fares.FallbackEstimator{FlatFare: 3.0, PerKmFare: 2.0, Currency: "GBP"},
		Dispatcher: &fakeDispatcher{},
		History:    history,
		Archive:    &fakeArchive{},
		Events:     sink,
		Config: Config{
			QuoteDeadline:        time.Second,
			SanityCeiling:        120.0,
			CancelConfirmTimeout: 30 * time.Second,
			ResponseDrainTimeout: 50 * time.Millisecond,
			FirstAudioTimeout:    50 * time.Millisecond,
			AudioDrainTimeout:    50 * time.Millisecond,
			ServiceTimeout:       time.Second,
		},
		Logger: log,
	}
	return NewRegistry(deps), sink, history
}

func TestRegistryCreateAndGet(t *testing.T) {
	reg, sink, _ := newTestRegistry(t)

	sess, _, err := reg.Create(context.Background(), "call-a", "+441603555001")
	require.NoError(t, err)
	require.NotNil(t, sess)

	got, ok := reg.Get("call-a")
	require.True(t, ok)
	assert.Same(t, sess, got)
	assert.Len(t, reg.ActiveSessions(), 1)
	assert.True(t, sink.saw("session_started"))
}

func TestRegistryRejectsDuplicateCallID(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	_, _, err := reg.Create(context.Background(), "call-a", "+441603555001")
	require.NoError(t, err)

	_, _, err = reg.Create(context.Background(), "call-a", "+441603555002")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
	assert.Len(t, reg.ActiveSessions(), 1)
}

func TestRegistryRejectsEmptyCallID(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	_, _, err := reg.Create(context.Background(), "", "+441603555001")
	require.Error(t, err)
}

func TestRegistryPreloadsCallerProfile(t *testing.T) {
	reg, _, history := newTestRegistry(t)
	history.profile = &sqlite.CallerProfile{
		Phone:        "+441603555001",
		Name:         "Dave",
		BookingCount: 12,
	}

	_, profile, err := reg.Create(context.Background(), "call-a", "+441603555001")
	require.NoError(t, err)
	require.NotNil(t, profile)
	assert.Equal(t, "Dave", profile.Name)
	assert.Equal(t, 12, profile.BookingCount)
}

func TestRegistryEndRemovesSession(t *testing.T) {
	reg, sink, _ := newTestRegistry(t)

	sess, _, err := reg.Create(context.Background(), "call-a", "+441603555001")
	require.NoError(t, err)
	sess.Bind(&fakeConn{})

	reg.End("call-a", "operator hangup")

	require.Eventually(t, func() bool {
		_, ok := reg.Get("call-a")
		return !ok
	}, waitFor, tick)
	assert.Empty(t, reg.ActiveSessions())
	assert.True(t, sink.saw("session_ended"))

	// Ending again, or ending an unknown ID, is a no-op.
	reg.End("call-a", "again")
	reg.End("never-existed", "whatever")
}

func TestRegistryEndAll(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	for _, id := range []string{"call-a", "call-b", "call-c"} {
		sess, _, err := reg.Create(context.Background(), id, "+441603555001")
		require.NoError(t, err)
		sess.Bind(&fakeConn{})
	}
	require.Len(t, reg.ActiveSessions(), 3)

	reg.EndAll("shutdown")

	require.Eventually(t, func() bool {
		return len(reg.ActiveSessions()) == 0
	}, waitFor, tick)
}
