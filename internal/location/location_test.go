package location

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdsense-go/internal/conf"
)

// providerFunc adapts a function to the Provider interface for tests.
type providerFunc func(ctx context.Context) (Position, error)

func (f providerFunc) Resolve(ctx context.Context) (Position, error) {
	return f(ctx)
}

func TestStaticProvider(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.Sensor.FallbackLatitude = -42.88
	settings.Sensor.FallbackLongitude = 147.33

	pos, err := NewStatic(settings).Resolve(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, -42.88, pos.Latitude, 1e-9)
	assert.InDelta(t, 147.33, pos.Longitude, 1e-9)
	assert.True(t, pos.Fallback)
}

func TestCachedProviderCachesResolvedPosition(t *testing.T) {
	t.Parallel()

	var calls int
	inner := providerFunc(func(ctx context.Context) (Position, error) {
		calls++
		return Position{Latitude: 1, Longitude: 2}, nil
	})

	cached := NewCached(inner, NewStatic(&conf.Settings{}), time.Minute)

	for i := 0; i < 3; i++ {
		pos, err := cached.Resolve(context.Background())
		require.NoError(t, err)
		assert.InDelta(t, 1.0, pos.Latitude, 1e-9)
	}

	assert.Equal(t, 1, calls)
}

func TestFileProviderReadsFix(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fix.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"latitude":-42.1,"longitude":146.9}`), 0o644))

	pos, err := NewFile(path).Resolve(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, -42.1, pos.Latitude, 1e-9)
	assert.InDelta(t, 146.9, pos.Longitude, 1e-9)
	assert.False(t, pos.Fallback)
}

func TestFileProviderErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	_, err := NewFile(filepath.Join(dir, "missing.json")).Resolve(context.Background())
	assert.Error(t, err)

	badJSON := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(badJSON, []byte("{"), 0o644))
	_, err = NewFile(badJSON).Resolve(context.Background())
	assert.Error(t, err)

	outOfRange := filepath.Join(dir, "range.json")
	require.NoError(t, os.WriteFile(outOfRange, []byte(`{"latitude":123.0,"longitude":0}`), 0o644))
	_, err = NewFile(outOfRange).Resolve(context.Background())
	assert.Error(t, err)
}

func TestFromSettings(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	_, isStatic := FromSettings(settings).(*StaticProvider)
	assert.True(t, isStatic)

	settings.Sensor.LocationFile = filepath.Join(t.TempDir(), "fix.json")
	_, isCached := FromSettings(settings).(*CachedProvider)
	assert.True(t, isCached)
}

func TestCachedProviderFallsBackOnError(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.Sensor.FallbackLatitude = -42.88
	settings.Sensor.FallbackLongitude = 147.33

	var calls int
	inner := providerFunc(func(ctx context.Context) (Position, error) {
		calls++
		return Position{}, assert.AnError
	})

	cached := NewCached(inner, NewStatic(settings), time.Minute)

	pos, err := cached.Resolve(context.Background())
	require.NoError(t, err)
	assert.True(t, pos.Fallback)
	assert.InDelta(t, -42.88, pos.Latitude, 1e-9)

	// Failures are not cached, so the live source is retried
	_, err = cached.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}
