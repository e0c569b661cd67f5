package strategy

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// TechMapping describes how to scrape sites built on a known technology.
type TechMapping struct {
	Strategy        string `yaml:"strategy" json:"strategy"`
	Reason          string `yaml:"reason" json:"reason"`
	RequiresBrowser bool   `yaml:"requires_browser" json:"requiresBrowser"`
	EstimatedSpeed  string `yaml:"estimated_speed" json:"estimatedSpeed"`
}

// TechMap maps lowercase technology fingerprints (e.g. "wordpress",
// "react/next.js") to strategy mappings. It is externally configurable
// and consulted as the selector's fast path.
type TechMap map[string]TechMapping

// Lookup finds the mapping for a fingerprint, case-insensitively.
func (m TechMap) Lookup(technology string) (TechMapping, bool) {
	mapping, ok := m[strings.ToLower(strings.TrimSpace(technology))]
	return mapping, ok
}

// DefaultTechMap returns the built-in technology table.
func DefaultTechMap() TechMap {
	return TechMap{
		"wordpress": {
			Strategy:       NameStatic,
			Reason:         "server-rendered CMS, content present in initial HTML",
			EstimatedSpeed: "fast",
		},
		"drupal": {
			Strategy:       NameStatic,
			Reason:         "server-rendered CMS",
			EstimatedSpeed: "fast",
		},
		"squarespace": {
			Strategy:       NameStatic,
			Reason:         "server-rendered site builder",
			EstimatedSpeed: "fast",
		},
		"wix": {
			Strategy:        NameDynamic,
			Reason:          "heavy client-side rendering",
			RequiresBrowser: true,
			EstimatedSpeed:  "slow",
		},
		"react": {
			Strategy:        NameSPA,
			Reason:          "client-side rendered application",
			RequiresBrowser: true,
			EstimatedSpeed:  "slow",
		},
		"react/next.js": {
			Strategy:       NameHybrid,
			Reason:         "often server-rendered but may hydrate content client-side",
			EstimatedSpeed: "medium",
		},
		"vue": {
			Strategy:        NameSPA,
			Reason:          "client-side rendered application",
			RequiresBrowser: true,
			EstimatedSpeed:  "slow",
		},
		"angular": {
			Strategy:        NameSPA,
			Reason:          "client-side rendered application",
			RequiresBrowser: true,
			EstimatedSpeed:  "slow",
		},
		"shopify": {
			Strategy:       NameStatic,
			Reason:         "server-rendered storefront",
			EstimatedSpeed: "fast",
		},
	}
}

// LoadTechMap reads a technology table from a YAML file and merges it
// over the defaults, so deployments can add or override mappings
// without a rebuild.
func LoadTechMap(path string) (TechMap, error) {
	base := DefaultTechMap()
	if path == "" {
		return base, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "strategy: read tech map %s", path)
	}
	var overrides map[string]TechMapping
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, eris.Wrapf(err, "strategy: parse tech map %s", path)
	}
	for k, v := range overrides {
		base[strings.ToLower(k)] = v
	}
	return base, nil
}
