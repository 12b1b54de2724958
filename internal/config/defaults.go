package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultDuration         = 7 * time.Second
	DefaultViewportWidth    = 1920
	DefaultFontSize         = 36
	DefaultMeasure          = MeasureKinematic
	DefaultReconnectBase    = 7 * time.Second
	DefaultReconnectJitter  = 13 * time.Second
	DefaultDatabasePath     = "./data/overlay.db"
	DefaultDashboardAddress = ":8090"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
)

// Measurement modes.
const (
	MeasureKinematic = "kinematic"
	MeasureReported  = "reported"
)

func (c *Config) applyDefaults() {
	if c.Marquee.Duration == 0 {
		c.Marquee.Duration = DefaultDuration
	}
	if c.Marquee.ViewportWidth == 0 {
		c.Marquee.ViewportWidth = DefaultViewportWidth
	}
	if c.Marquee.FontSize == 0 {
		c.Marquee.FontSize = DefaultFontSize
	}
	if c.Marquee.Measure == "" {
		c.Marquee.Measure = DefaultMeasure
	}

	if c.Reconnect.Base == 0 {
		c.Reconnect.Base = DefaultReconnectBase
	}
	if c.Reconnect.Jitter == 0 {
		c.Reconnect.Jitter = DefaultReconnectJitter
	}

	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Dashboard.Address == "" {
		c.Dashboard.Address = DefaultDashboardAddress
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}
