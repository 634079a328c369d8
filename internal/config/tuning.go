package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Publication policy tokens accepted in tuning files.
const (
	PublishPerUpdate = "per-update"
	PublishCoalesced = "coalesced"
)

// TuningConfig represents the root tuning parameters for the fusion pipeline.
// All fields are optional pointers so a partial JSON file only overrides what
// it names; the Get* methods supply defaults for everything else.
type TuningConfig struct {
	// Cross-source association params
	AssociationDistanceM *float64 `json:"association_distance_m,omitempty"`
	AssociationWindow    *string  `json:"association_window,omitempty"` // duration string like "250ms"

	// Entity lifecycle params
	StalenessTimeout *string `json:"staleness_timeout,omitempty"` // duration string like "2s"

	// Publication params
	PublishPolicy     *string `json:"publish_policy,omitempty"` // "per-update" or "coalesced"
	CoalesceInterval  *string `json:"coalesce_interval,omitempty"`
	ConsumerQueueSize *int    `json:"consumer_queue_size,omitempty"`

	// Fusion weighting when per-update uncertainty is unavailable
	DSRCWeight *float64 `json:"dsrc_weight,omitempty"`

	// Replay params
	ReplaySpeed *float64 `json:"replay_speed,omitempty"`
}

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. Fields omitted from
// the file retain their defaults, so partial configs are safe. A bad file is a
// startup-fatal condition for the caller; steady-state code never reloads.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration values are usable.
func (c *TuningConfig) Validate() error {
	if c.AssociationDistanceM != nil && *c.AssociationDistanceM <= 0 {
		return fmt.Errorf("association_distance_m must be positive, got %f", *c.AssociationDistanceM)
	}

	for name, v := range map[string]*string{
		"association_window": c.AssociationWindow,
		"staleness_timeout":  c.StalenessTimeout,
		"coalesce_interval":  c.CoalesceInterval,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}

	if c.PublishPolicy != nil {
		switch *c.PublishPolicy {
		case PublishPerUpdate, PublishCoalesced:
		default:
			return fmt.Errorf("publish_policy must be %q or %q, got %q",
				PublishPerUpdate, PublishCoalesced, *c.PublishPolicy)
		}
	}

	if c.ConsumerQueueSize != nil && *c.ConsumerQueueSize < 1 {
		return fmt.Errorf("consumer_queue_size must be >= 1, got %d", *c.ConsumerQueueSize)
	}

	if c.DSRCWeight != nil {
		if *c.DSRCWeight < 0 || *c.DSRCWeight > 1 {
			return fmt.Errorf("dsrc_weight must be between 0 and 1, got %f", *c.DSRCWeight)
		}
	}

	if c.ReplaySpeed != nil && *c.ReplaySpeed <= 0 {
		return fmt.Errorf("replay_speed must be positive, got %f", *c.ReplaySpeed)
	}

	return nil
}

// GetAssociationDistanceM returns the association distance or the default.
func (c *TuningConfig) GetAssociationDistanceM() float64 {
	if c.AssociationDistanceM == nil {
		return 2.0
	}
	return *c.AssociationDistanceM
}

// GetAssociationWindow parses and returns the association window.
func (c *TuningConfig) GetAssociationWindow() time.Duration {
	return c.duration(c.AssociationWindow, 250*time.Millisecond)
}

// GetStalenessTimeout parses and returns the staleness timeout.
func (c *TuningConfig) GetStalenessTimeout() time.Duration {
	return c.duration(c.StalenessTimeout, 2*time.Second)
}

// GetPublishPolicy returns the publish policy token or the default.
func (c *TuningConfig) GetPublishPolicy() string {
	if c.PublishPolicy == nil || *c.PublishPolicy == "" {
		return PublishPerUpdate
	}
	return *c.PublishPolicy
}

// GetCoalesceInterval parses and returns the coalesced publish interval.
func (c *TuningConfig) GetCoalesceInterval() time.Duration {
	return c.duration(c.CoalesceInterval, 100*time.Millisecond)
}

// GetConsumerQueueSize returns the per-consumer queue depth or the default.
func (c *TuningConfig) GetConsumerQueueSize() int {
	if c.ConsumerQueueSize == nil {
		return 8
	}
	return *c.ConsumerQueueSize
}

// GetDSRCWeight returns the DSRC weight used when neither source reports
// positional uncertainty.
func (c *TuningConfig) GetDSRCWeight() float64 {
	if c.DSRCWeight == nil {
		return 0.7
	}
	return *c.DSRCWeight
}

// GetReplaySpeed returns the replay speed multiplier or the default.
func (c *TuningConfig) GetReplaySpeed() float64 {
	if c.ReplaySpeed == nil {
		return 1.0
	}
	return *c.ReplaySpeed
}

func (c *TuningConfig) duration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}
