package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/stats"
	"github.com/npezzotti/go-chatrelay/internal/testutil"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errConnRefused = errors.New("dial tcp: connection refused")

func newTestFailover(t *testing.T, primary Store) (*FailoverStore, *MemoryStore, *stats.MockStatsUpdater) {
	st := &stats.MockStatsUpdater{}
	st.On("RegisterMetric", stats.StoreFallbacks).Return()
	st.On("Incr", stats.StoreFallbacks).Return()

	fallback := NewMemoryStore(0)
	return NewFailoverStore(primary, fallback, testutil.TestLogger(t), st, time.Second), fallback, st
}

func TestFailoverStorePing(t *testing.T) {
	primary := &MockStore{}
	primary.On("Ping", mock.Anything).Return(errConnRefused).Once()
	primary.On("Ping", mock.Anything).Return(nil).Once()

	s, _, _ := newTestFailover(t, primary)
	assert.False(t, s.IsAvailable(), "primary starts down until pinged")

	assert.Error(t, s.Ping(context.Background()))
	assert.False(t, s.IsAvailable())

	assert.NoError(t, s.Ping(context.Background()))
	assert.True(t, s.IsAvailable())
	primary.AssertExpectations(t)
}

func TestFailoverStoreUsesPrimaryWhenAvailable(t *testing.T) {
	primary := &MockStore{}
	primary.On("Ping", mock.Anything).Return(nil)
	primary.On("InsertRoomMessage", mock.Anything, mock.Anything).Return(nil)

	s, fallback, st := newTestFailover(t, primary)
	require.NoError(t, s.Ping(context.Background()))

	msg := newRoomMessage("m1", "lobby", time.Now())
	require.NoError(t, s.InsertRoomMessage(context.Background(), msg))

	_, err := fallback.GetMessage(context.Background(), "m1")
	assert.ErrorIs(t, err, ErrNotFound, "fallback should not be written while primary is up")
	primary.AssertExpectations(t)
	st.AssertNotCalled(t, "Incr", stats.StoreFallbacks)
}

func TestFailoverStoreFallsBackOnError(t *testing.T) {
	primary := &MockStore{}
	primary.On("Ping", mock.Anything).Return(nil)
	primary.On("InsertRoomMessage", mock.Anything, mock.Anything).Return(errConnRefused).Once()

	s, fallback, st := newTestFailover(t, primary)
	require.NoError(t, s.Ping(context.Background()))

	msg := newRoomMessage("m1", "lobby", time.Now())
	require.NoError(t, s.InsertRoomMessage(context.Background(), msg), "outage must not surface to callers")
	assert.False(t, s.IsAvailable())

	got, err := fallback.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.Id)

	// while down, calls go straight to the fallback
	require.NoError(t, s.InsertRoomMessage(context.Background(), newRoomMessage("m2", "lobby", time.Now())))

	primary.AssertNumberOfCalls(t, "InsertRoomMessage", 1)
	st.AssertNumberOfCalls(t, "Incr", 1)
}

func TestFailoverStoreDomainErrorsPassThrough(t *testing.T) {
	primary := &MockStore{}
	primary.On("Ping", mock.Anything).Return(nil)
	primary.On("InsertRoomMessage", mock.Anything, mock.Anything).Return(ErrDuplicate)

	s, _, _ := newTestFailover(t, primary)
	require.NoError(t, s.Ping(context.Background()))

	err := s.InsertRoomMessage(context.Background(), newRoomMessage("m1", "lobby", time.Now()))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.True(t, s.IsAvailable(), "domain errors do not mark the store down")
}

func TestFailoverStoreGetMessageChecksFallback(t *testing.T) {
	primary := &MockStore{}
	primary.On("Ping", mock.Anything).Return(nil)
	primary.On("GetMessage", mock.Anything, "m1").Return(nil, ErrNotFound)
	primary.On("UpdateMessageReceipts", mock.Anything, mock.Anything).Return(ErrNotFound)

	s, fallback, _ := newTestFailover(t, primary)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, fallback.InsertRoomMessage(context.Background(), newRoomMessage("m1", "lobby", time.Now())))

	got, err := s.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", got.Id)

	got.Status = types.StatusDelivered
	require.NoError(t, s.UpdateMessageReceipts(context.Background(), got))

	stored, err := fallback.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusDelivered, stored.Status)
}

func TestFailoverStoreMergesHistory(t *testing.T) {
	now := time.Now()
	durable := []types.Message{
		*newRoomMessage("d1", "lobby", now),
		*newRoomMessage("d2", "lobby", now.Add(2*time.Second)),
	}

	primary := &MockStore{}
	primary.On("Ping", mock.Anything).Return(nil)
	primary.On("GetRoomMessages", mock.Anything, "lobby", 10).Return(durable, nil)

	s, fallback, _ := newTestFailover(t, primary)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, fallback.InsertRoomMessage(context.Background(), newRoomMessage("v1", "lobby", now.Add(time.Second))))

	msgs, err := s.GetRoomMessages(context.Background(), "lobby", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"d1", "v1", "d2"}, []string{msgs[0].Id, msgs[1].Id, msgs[2].Id})
}

func TestMergeHistory(t *testing.T) {
	now := time.Now()
	a := []types.Message{{Id: "1", CreatedAt: now}, {Id: "3", CreatedAt: now.Add(2 * time.Second)}}
	b := []types.Message{{Id: "2", CreatedAt: now.Add(time.Second)}, {Id: "3", CreatedAt: now.Add(2 * time.Second), Body: "dup"}}

	got := mergeHistory(a, b, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].Id)
	assert.Equal(t, "3", got[1].Id)
	assert.Empty(t, got[1].Body, "first list wins on repeated ids")
}

func TestFailoverStoreRunRecovers(t *testing.T) {
	primary := &MockStore{}
	primary.On("Ping", mock.Anything).Return(nil)

	s, _, _ := newTestFailover(t, primary)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 10*time.Millisecond) }()

	assert.Eventually(t, s.IsAvailable, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// hangingStore answers Ping but blocks every other call until ctx ends.
type hangingStore struct {
	*MemoryStore
}

func (hangingStore) Ping(context.Context) error { return nil }

func (hangingStore) InsertRoomMessage(ctx context.Context, _ *types.Message) error {
	<-ctx.Done()
	return ctx.Err()
}

func (hangingStore) GetRoomMessages(ctx context.Context, _ string, _ int) ([]types.Message, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestFailoverStoreTimeoutFallsBack(t *testing.T) {
	const timeout = 50 * time.Millisecond

	tcases := []struct {
		name string
		run  func(t *testing.T, s *FailoverStore, fallback *MemoryStore)
	}{
		{
			name: "insert",
			run: func(t *testing.T, s *FailoverStore, fallback *MemoryStore) {
				require.NoError(t, s.InsertRoomMessage(context.Background(), newRoomMessage("m1", "lobby", time.Now())))

				_, err := fallback.GetMessage(context.Background(), "m1")
				assert.NoError(t, err, "message should land in the fallback")
			},
		},
		{
			name: "history",
			run: func(t *testing.T, s *FailoverStore, fallback *MemoryStore) {
				require.NoError(t, fallback.InsertRoomMessage(context.Background(), newRoomMessage("m1", "lobby", time.Now())))

				msgs, err := s.GetRoomMessages(context.Background(), "lobby", 10)
				require.NoError(t, err)
				assert.Len(t, msgs, 1)
			},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			st := &stats.MockStatsUpdater{}
			st.On("RegisterMetric", stats.StoreFallbacks).Return()
			st.On("Incr", stats.StoreFallbacks).Return().Once()

			fallback := NewMemoryStore(0)
			s := NewFailoverStore(hangingStore{NewMemoryStore(0)}, fallback, testutil.TestLogger(t), st, timeout)
			require.NoError(t, s.Ping(context.Background()))
			require.True(t, s.IsAvailable())

			start := time.Now()
			tc.run(t, s, fallback)

			assert.Less(t, time.Since(start), time.Second, "call should be bounded by the store timeout")
			assert.False(t, s.IsAvailable(), "a timed out primary is marked down")
			st.AssertExpectations(t)
		})
	}
}
