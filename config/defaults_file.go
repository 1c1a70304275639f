package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileDefaults is the on-disk shape for a local fallback-defaults file,
// grounded on this pack's YAML-based static config loader
// (BaSui01-agentflow/config/loader.go): a deployment can ship a
// defaults.yaml next to the binary so the Config Client's innermost
// fallback tier (below the control plane and below the last-known-good
// cache) is deployment-tunable rather than a single compiled-in literal.
type fileDefaults struct {
	Flags    map[string]bool `yaml:"flags"`
	FlagTTL  string          `yaml:"flag_ttl"`
	RouteTTL string          `yaml:"route_ttl"`
	Routing  []RoutingEntry  `yaml:"routing"`
}

// LoadDefaultsFile reads a YAML defaults file and overlays it onto
// DefaultDefaults(). A missing file is not an error: it returns the
// compiled-in defaults unchanged, since this tier is optional.
func LoadDefaultsFile(path string) (Defaults, error) {
	d := DefaultDefaults()
	if path == "" {
		return d, nil
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return d, err
	}

	var fd fileDefaults
	if err := yaml.Unmarshal(raw, &fd); err != nil {
		return d, err
	}

	for name, enabled := range fd.Flags {
		d.Flags[name] = enabled
	}
	if fd.FlagTTL != "" {
		if ttl, err := time.ParseDuration(fd.FlagTTL); err == nil {
			d.FlagTTL = ttl
		}
	}
	if fd.RouteTTL != "" {
		if ttl, err := time.ParseDuration(fd.RouteTTL); err == nil {
			d.RouteTTL = ttl
		}
	}
	for _, entry := range fd.Routing {
		d.Routing[entry.Intent] = entry
	}
	return d, nil
}
