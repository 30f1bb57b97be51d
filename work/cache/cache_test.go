package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stb-proxy/work/client"
	"stb-proxy/work/config"
	"stb-proxy/work/portal"
)

func testConfig(ttl time.Duration) *config.Config {
	return &config.Config{
		PortalURL:  "http://portal.example.com/stalker_portal/c/",
		PortalMAC:  "00:1A:79:AB:CD:EF",
		PortalType: "1",
		CacheTTL:   ttl,
	}
}

func fakeSession(token string, channels ...portal.Channel) *portal.Session {
	return &portal.Session{
		Client:   client.NewPortalClient("00:1A:79:AB:CD:EF", "http://portal.example.com/stalker_portal/c/"),
		Token:    token,
		Channels: channels,
	}
}

func TestEnsureFreshPopulatesState(t *testing.T) {
	var calls atomic.Int32
	c := NewWithAcquire(testConfig(time.Hour), func(ctx context.Context, baseURL, mac, prefix string) (*portal.Session, error) {
		calls.Add(1)
		assert.Equal(t, "http://portal.example.com", baseURL)
		assert.Equal(t, "00:1A:79:AB:CD:EF", mac)
		assert.Equal(t, "stalker_portal", prefix)
		return fakeSession("tok-1", portal.Channel{ID: 7, Name: "Seven", Cmd: "ffrt http://u/7"}), nil
	})

	st, err := c.EnsureFresh(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)

	assert.Equal(t, "tok-1", st.Token)
	assert.Equal(t, "examplecom", st.PortalName)
	assert.Equal(t, "http://portal.example.com", st.BaseURL)
	assert.Equal(t, "stalker_portal", st.Prefix)
	assert.True(t, st.Expires.After(time.Now()))
	assert.Equal(t, int32(1), calls.Load())

	ch, ok := st.Channel(7)
	require.True(t, ok)
	assert.Equal(t, "Seven", ch.Name)

	_, ok = st.Channel(99)
	assert.False(t, ok)
}

func TestEnsureFreshFastPath(t *testing.T) {
	var calls atomic.Int32
	c := NewWithAcquire(testConfig(time.Hour), func(ctx context.Context, baseURL, mac, prefix string) (*portal.Session, error) {
		calls.Add(1)
		return fakeSession("tok-1"), nil
	})

	first, err := c.EnsureFresh(context.Background())
	require.NoError(t, err)

	second, err := c.EnsureFresh(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second, "fast path must return the installed state untouched")
	assert.Equal(t, int32(1), calls.Load(), "fast path must not hit the portal")
}

// The core concurrency guarantee: any number of concurrent callers on an
// empty cache produce exactly one acquisition.
func TestEnsureFreshStampede(t *testing.T) {
	var calls atomic.Int32
	c := NewWithAcquire(testConfig(time.Hour), func(ctx context.Context, baseURL, mac, prefix string) (*portal.Session, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond) // widen the race window
		return fakeSession("tok-1"), nil
	})

	const workers = 25
	var wg sync.WaitGroup
	states := make([]*State, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			states[i], errs[i] = c.EnsureFresh(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "exactly one handshake regardless of concurrency")
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, states[0], states[i])
	}
}

func TestEnsureFreshExpiry(t *testing.T) {
	var calls atomic.Int32
	c := NewWithAcquire(testConfig(10*time.Millisecond), func(ctx context.Context, baseURL, mac, prefix string) (*portal.Session, error) {
		n := calls.Add(1)
		if n == 1 {
			return fakeSession("tok-1"), nil
		}
		return fakeSession("tok-2"), nil
	})

	first, err := c.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", first.Token)

	time.Sleep(30 * time.Millisecond)

	second, err := c.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", second.Token, "expired state must be replaced wholesale")
	assert.Equal(t, int32(2), calls.Load())
}

func TestEnsureFreshKeepsStaleStateOnFailure(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("portal offline")
	c := NewWithAcquire(testConfig(10*time.Millisecond), func(ctx context.Context, baseURL, mac, prefix string) (*portal.Session, error) {
		if calls.Add(1) == 1 {
			return fakeSession("tok-1"), nil
		}
		return nil, boom
	})

	_, err := c.EnsureFresh(context.Background())
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	st, err := c.EnsureFresh(context.Background())
	assert.Nil(t, st)
	assert.ErrorIs(t, err, boom)

	// The previous generation stays installed for diagnostics.
	cur := c.Current()
	require.NotNil(t, cur)
	assert.Equal(t, "tok-1", cur.Token)
}

func TestEnsureFreshErrorOnEmptyCache(t *testing.T) {
	boom := errors.New("refused")
	c := NewWithAcquire(testConfig(time.Hour), func(ctx context.Context, baseURL, mac, prefix string) (*portal.Session, error) {
		return nil, boom
	})

	st, err := c.EnsureFresh(context.Background())
	assert.Nil(t, st)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, c.Current())
}

func TestOnRefreshCallback(t *testing.T) {
	c := NewWithAcquire(testConfig(time.Hour), func(ctx context.Context, baseURL, mac, prefix string) (*portal.Session, error) {
		return fakeSession("tok-1", portal.Channel{ID: 1, Name: "One"}), nil
	})

	var seen *State
	c.OnRefresh = func(st *State) { seen = st }

	st, err := c.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Same(t, st, seen)

	// Fast path must not re-fire the callback.
	seen = nil
	_, err = c.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Nil(t, seen)
}
