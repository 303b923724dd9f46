package volume

import (
	"errors"
	"log/slog"

	"github.com/LumaPictures/openvdb-render-sub000/core/cache"
)

// Option configures a Display.
type Option func(*Display) error

// WithCache makes the Display read from c, which may be shared with other
// displays. It takes precedence over WithCacheOptions.
func WithCache(c *cache.Cache) Option {
	return func(d *Display) error {
		if c == nil {
			return errors.New("volume: cache is nil")
		}
		d.cache = c
		return nil
	}
}

// WithCacheOptions configures the cache the Display creates when no cache
// is given with WithCache.
func WithCacheOptions(opts ...cache.Option) Option {
	return func(d *Display) error {
		d.cacheOpts = append(d.cacheOpts, opts...)
		return nil
	}
}

// WithChannels sets the channels the Display binds. Default: DefaultChannels.
func WithChannels(channels ...Channel) Option {
	return func(d *Display) error {
		if len(channels) == 0 {
			return errors.New("volume: at least one channel is required")
		}
		seen := make(map[Channel]bool, len(channels))
		for _, ch := range channels {
			if ch == "" {
				return errors.New("volume: channel name is empty")
			}
			if seen[ch] {
				return errors.New("volume: duplicate channel " + string(ch))
			}
			seen[ch] = true
		}
		d.channels = channels
		return nil
	}
}

// WithLogger sets the logger for the Display and the cache it creates.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Display) error {
		d.logger = logger
		return nil
	}
}
