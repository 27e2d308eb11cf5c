package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk configuration document:
//
//	core:
//	  cycle_threshold: 3
//	routing:
//	  routes:
//	    - from: analyst
//	      hint: needs_design
//	      to: [{worker: designer, brief: "Design the change"}]
//	  gates:
//	    artifacts: ["deploy/**"]
type File struct {
	Core    *CoreConfig   `yaml:"core"`
	Routing *RoutingTable `yaml:"routing"`
}

// ParseFile decodes and validates a configuration document. Keys absent from
// the document keep their defaults.
func ParseFile(data []byte) (*File, error) {
	f := &File{
		Core:    DefaultCoreConfig(),
		Routing: &RoutingTable{},
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if f.Core == nil {
		f.Core = DefaultCoreConfig()
	}
	if f.Routing == nil {
		f.Routing = &RoutingTable{}
	}
	if err := f.Core.Validate(); err != nil {
		return nil, err
	}
	if err := f.Routing.Validate(); err != nil {
		return nil, fmt.Errorf("invalid routing table: %w", err)
	}
	return f, nil
}

// LoadFile reads and parses a configuration file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseFile(data)
}
