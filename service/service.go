// Package service holds service metadata: the admin service and the file and
// tag repositories a server hosts, each with its key, bound port and options
// dictionary. The registry keeps every service in memory; mutations mark the
// record dirty and the serializer persists dirty records on a cadence.
package service

import (
	"encoding/json"
	"time"

	"github.com/nedfreetoplay/hydrus"
	"github.com/nedfreetoplay/hydrus/bandwidth"
)

// Defaults for repository options.
const (
	DefaultUpdatePeriod        = 100_000 * time.Second
	DefaultNullificationPeriod = 90 * 24 * time.Hour
)

// Options is the per-service options dictionary.
type Options struct {
	// UpdatePeriodSeconds is the width of each update window.
	UpdatePeriodSeconds int64 `json:"update_period,omitempty"`
	// NullificationPeriodSeconds is how old an update must be before its
	// rows lose author attribution.
	NullificationPeriodSeconds int64 `json:"nullification_period,omitempty"`
	// TagFilter lists tag or namespace prefixes the service refuses.
	TagFilter []string `json:"tag_filter,omitempty"`
	// MaxStorage caps total current+pending file bytes; zero is unlimited.
	MaxStorage uint64 `json:"max_storage,omitempty"`
	// LogUploaderIPs records (hash, ip, time) on file upload.
	LogUploaderIPs bool `json:"log_uploader_ips,omitempty"`
	// ServerBandwidth throttles the service's bound port.
	ServerBandwidth bandwidth.Rules `json:"server_bandwidth,omitempty"`
}

// UpdatePeriod returns the configured or default update window width.
func (o Options) UpdatePeriod() time.Duration {
	if o.UpdatePeriodSeconds > 0 {
		return time.Duration(o.UpdatePeriodSeconds) * time.Second
	}
	return DefaultUpdatePeriod
}

// NullificationPeriod returns the configured or default attribution age-out.
func (o Options) NullificationPeriod() time.Duration {
	if o.NullificationPeriodSeconds > 0 {
		return time.Duration(o.NullificationPeriodSeconds) * time.Second
	}
	return DefaultNullificationPeriod
}

// TagAllowed applies the service's tag filter to a normalized tag.
func (o Options) TagAllowed(tag string) bool {
	for _, banned := range o.TagFilter {
		if tag == banned {
			return false
		}
		if n := len(banned); n > 0 && banned[n-1] == ':' && len(tag) > n && tag[:n] == banned {
			return false
		}
	}
	return true
}

// Service is one hosted service. Fields are immutable between dirtiness
// marks; mutation goes through the registry, which replaces the record.
type Service struct {
	ID      int64
	Key     hydrus.Key
	Type    hydrus.ServiceType
	Name    string
	Port    int
	Options Options
}

// IsRepository reports whether the service carries repository tables.
func (s *Service) IsRepository() bool { return s.Type.IsRepository() }

// EncodeOptions serializes the options dictionary for its table column.
func (s *Service) EncodeOptions() (string, error) {
	b, err := json.Marshal(s.Options)
	return string(b), err
}

// DecodeOptions parses an options column.
func DecodeOptions(raw string) (Options, error) {
	var o Options
	if raw == "" {
		return o, nil
	}
	err := json.Unmarshal([]byte(raw), &o)
	return o, err
}
