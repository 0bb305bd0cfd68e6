package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetSetAndExpiry(t *testing.T) {
	var c = New()

	c.Set("a", []byte("1"), 50*time.Millisecond)
	var got, ok = c.Get("a")
	require.True(t, ok)
	require.Equal(t, []byte("1"), got)

	time.Sleep(60 * time.Millisecond)
	_, ok = c.Get("a")
	require.False(t, ok)
}

func TestEvictTag(t *testing.T) {
	var c = New()

	c.SetTagged("exp:list", []byte("x"), time.Minute, "experiments")
	c.SetTagged("exp:latest", []byte("y"), time.Minute, "experiments")
	c.SetTagged("config:list", []byte("z"), time.Minute, "config")

	c.EvictTag("experiments")

	var _, ok = c.Get("exp:list")
	require.False(t, ok)
	_, ok = c.Get("exp:latest")
	require.False(t, ok)
	_, ok = c.Get("config:list")
	require.True(t, ok)
}

func TestDebounce(t *testing.T) {
	var c = New()

	require.False(t, c.Debounce("stirring", 50*time.Millisecond))
	require.True(t, c.Debounce("stirring", 50*time.Millisecond))
	require.False(t, c.Debounce("od_reading", 50*time.Millisecond))

	time.Sleep(60 * time.Millisecond)
	require.False(t, c.Debounce("stirring", 50*time.Millisecond))
}

func TestMemoized(t *testing.T) {
	var c = New()
	var calls int

	var fn = func() ([]byte, error) {
		calls++
		return []byte("value"), nil
	}

	var got, err = Memoized(c, "k", time.Minute, "experiments", fn)
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)

	got, err = Memoized(c, "k", time.Minute, "experiments", fn)
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)
	require.Equal(t, 1, calls)

	// Errors pass through and are not cached.
	_, err = Memoized(c, "other", time.Minute, "", func() ([]byte, error) {
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	_, ok := c.Get("other")
	require.False(t, ok)
}
