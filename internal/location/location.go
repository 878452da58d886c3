// Package location resolves the sensor's position for detection metadata.
// A cached provider wraps whatever source is configured; when no source can
// produce a fix the configured fallback coordinates are used.
package location

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/tphakala/birdsense-go/internal/conf"
	"github.com/tphakala/birdsense-go/internal/errors"
	"github.com/tphakala/birdsense-go/internal/logging"
)

// Position is a resolved sensor position.
type Position struct {
	Latitude  float64
	Longitude float64
	// Fallback is true when the position comes from configuration rather
	// than a live fix.
	Fallback bool
}

// Provider resolves the current sensor position.
type Provider interface {
	Resolve(ctx context.Context) (Position, error)
}

// StaticProvider always returns the configured fallback coordinates.
// Field installs without a GPS receiver run on this provider alone.
type StaticProvider struct {
	position Position
}

// NewStatic creates a provider pinned to the configured fallback coordinates.
func NewStatic(settings *conf.Settings) *StaticProvider {
	return &StaticProvider{
		position: Position{
			Latitude:  settings.Sensor.FallbackLatitude,
			Longitude: settings.Sensor.FallbackLongitude,
			Fallback:  true,
		},
	}
}

// Resolve returns the pinned position.
func (p *StaticProvider) Resolve(_ context.Context) (Position, error) {
	return p.position, nil
}

// FileProvider reads the latest fix from a JSON file that an external GPS
// receiver process keeps up to date.
type FileProvider struct {
	path string
}

// NewFile creates a provider reading fixes from the given file.
func NewFile(path string) *FileProvider {
	return &FileProvider{path: path}
}

// Resolve reads and parses the current fix.
func (p *FileProvider) Resolve(_ context.Context) (Position, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return Position{}, errors.New(err).
			Component("location").
			Category(errors.CategoryFileIO).
			Context("operation", "read-gps-fix").
			FileContext(p.path, 0).
			Build()
	}

	var fix struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	}
	if err := json.Unmarshal(data, &fix); err != nil {
		return Position{}, errors.New(err).
			Component("location").
			Category(errors.CategoryLocation).
			Context("operation", "parse-gps-fix").
			Build()
	}

	if fix.Latitude < -90 || fix.Latitude > 90 || fix.Longitude < -180 || fix.Longitude > 180 {
		return Position{}, errors.Newf("gps fix out of range: %f, %f", fix.Latitude, fix.Longitude).
			Component("location").
			Category(errors.CategoryLocation).
			Build()
	}

	return Position{Latitude: fix.Latitude, Longitude: fix.Longitude}, nil
}

// FromSettings builds the provider chain for the configured setup: a cached
// GPS fix file when one is configured, otherwise the static fallback alone.
func FromSettings(settings *conf.Settings) Provider {
	static := NewStatic(settings)
	if settings.Sensor.LocationFile == "" {
		return static
	}
	return NewCached(NewFile(settings.Sensor.LocationFile), static, 10*time.Minute)
}

const positionCacheKey = "position"

// CachedProvider decorates a provider with a TTL cache so the monitoring
// loop does not hit the underlying source on every segment. A failed resolve
// falls back to the fallback provider and is not cached, so the next segment
// retries the live source.
type CachedProvider struct {
	inner    Provider
	fallback Provider
	cache    *cache.Cache
	logger   *slog.Logger
}

// NewCached wraps inner with a TTL cache. The fallback provider is consulted
// when inner fails; it must not fail itself.
func NewCached(inner, fallback Provider, ttl time.Duration) *CachedProvider {
	logger := logging.ForService("location")
	if logger == nil {
		logger = slog.Default().With("service", "location")
	}

	return &CachedProvider{
		inner:    inner,
		fallback: fallback,
		cache:    cache.New(ttl, ttl*2),
		logger:   logger,
	}
}

// Resolve returns the cached position when fresh, otherwise consults the
// inner provider.
func (p *CachedProvider) Resolve(ctx context.Context) (Position, error) {
	if cached, found := p.cache.Get(positionCacheKey); found {
		if pos, ok := cached.(Position); ok {
			return pos, nil
		}
	}

	pos, err := p.inner.Resolve(ctx)
	if err != nil {
		p.logger.Warn("Position resolve failed, using fallback coordinates", "error", err)
		return p.fallback.Resolve(ctx)
	}

	p.cache.Set(positionCacheKey, pos, cache.DefaultExpiration)
	return pos, nil
}
