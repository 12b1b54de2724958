package config

import (
	"errors"
	"fmt"

	"github.com/taskmgr818/comment-overlay/internal/ws"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	if err := ws.ValidateURL(c.Server.URL); err != nil {
		return fmt.Errorf("server.url: %w", err)
	}

	if c.Room.Name == "" {
		return errors.New("room.name is required")
	}
	if c.Room.AuthHash() == "" {
		return errors.New("room.hash or room.password is required")
	}

	if c.Marquee.Duration <= 0 {
		return fmt.Errorf("marquee.duration must be > 0, got %s", c.Marquee.Duration)
	}
	if c.Marquee.ViewportWidth <= 0 {
		return fmt.Errorf("marquee.viewport_width must be > 0, got %v", c.Marquee.ViewportWidth)
	}
	if c.Marquee.FontSize <= 0 {
		return fmt.Errorf("marquee.font_size must be > 0, got %v", c.Marquee.FontSize)
	}
	switch c.Marquee.Measure {
	case MeasureKinematic, MeasureReported:
	default:
		return fmt.Errorf("marquee.measure must be %q or %q, got %q", MeasureKinematic, MeasureReported, c.Marquee.Measure)
	}

	// Zero values were replaced by defaults when loading from a file; a
	// Config built in code may still disable the jitter with 0.
	if c.Reconnect.Base < 0 || c.Reconnect.Jitter < 0 {
		return errors.New("reconnect.base and reconnect.jitter must not be negative")
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}

	return nil
}
