// Package config loads per-tier configuration: a JSON roster file
// (participants / eligible voters) plus a flat .properties tunables
// file, with STATION_ID / REGION_ID / DATA_DIR environment overrides.
// Shaped after configs/glob_var.go and network/coordinator/main.go's
// loadConfig.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/magiconair/properties"
)

// System-wide tunable defaults. Overridden per-instance by the
// .properties file named by --tunables.
const (
	DefaultMaxConnectionHandlers = 16
	DefaultLogBatchInterval      = 10 * time.Millisecond
	DefaultAdminBindAddress      = "127.0.0.1:0"

	DefaultBreakerFailureThreshold = 5
	DefaultBreakerSuccessThreshold = 2
	DefaultBreakerOpenTimeout      = 5 * time.Second

	DefaultRetryBaseInterval = 500 * time.Millisecond
	DefaultRetryMaxInterval  = 30 * time.Second
	DefaultRetryMultiplier   = 2.0
	DefaultRetryMaxAttempts  = 12

	DefaultSendTimeout = 2 * time.Second

	DefaultTallyCheckpointEvery    = 50
	DefaultTallyCheckpointInterval = 5 * time.Second

	DefaultArchiveRetention     = 24 * time.Hour
	DefaultArchiveSweepInterval = 10 * time.Minute
)

// Roster is the station's (or broker's) immutable view of eligible
// voters / known destinations, loaded once at startup from a JSON file.
type Roster struct {
	StationID    string   `json:"stationId"`
	RegionID     string   `json:"regionId"`
	EligibleIDs  []string `json:"eligibleVoterIds"`
	BrokerAddr   string   `json:"brokerAddress"`
	CentralAddr  string   `json:"centralAddress"`
	Destinations []string `json:"destinations"`

	// Stations maps stationId -> dial-back address, populated on a
	// broker's roster so confirmations can be routed to their
	// originating station without the station re-dialing first.
	Stations map[string]string `json:"stations,omitempty"`
}

// LoadRoster reads the JSON roster file named by --config and applies
// STATION_ID / REGION_ID environment overrides (DATA_DIR is resolved
// separately by DataDir) the way
// network/coordinator/main.go:loadConfig composes its file + env state.
func LoadRoster(path string) (*Roster, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading roster file %s: %w", path, err)
	}
	var r Roster
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("parsing roster file %s: %w", path, err)
	}
	if v := os.Getenv("STATION_ID"); v != "" {
		r.StationID = v
	}
	if v := os.Getenv("REGION_ID"); v != "" {
		r.RegionID = v
	}
	return &r, nil
}

// Tunables is the flat .properties override file, read with
// magiconair/properties.
type Tunables struct {
	props *properties.Properties
}

// LoadTunables loads a .properties file. An empty path is not an error:
// every lookup then falls back to the default its caller passes. A
// non-empty path that cannot be loaded is an error.
func LoadTunables(path string) (*Tunables, error) {
	if path == "" {
		return &Tunables{props: properties.NewProperties()}, nil
	}
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, fmt.Errorf("loading tunables file %s: %w", path, err)
	}
	return &Tunables{props: p}, nil
}

func (t *Tunables) Duration(key string, def time.Duration) time.Duration {
	return t.props.GetDuration(key, def)
}

func (t *Tunables) Int(key string, def int) int {
	return t.props.GetInt(key, def)
}

func (t *Tunables) Float64(key string, def float64) float64 {
	return t.props.GetFloat64(key, def)
}

func (t *Tunables) String(key string, def string) string {
	return t.props.GetString(key, def)
}

// DataDir resolves the data directory a tier should persist to: the
// --data-dir flag, overridden by DATA_DIR if set.
func DataDir(flagValue string) string {
	if v := os.Getenv("DATA_DIR"); v != "" {
		return v
	}
	return flagValue
}
