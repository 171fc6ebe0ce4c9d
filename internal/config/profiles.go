package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driplab/drip/internal/pacing"
	"github.com/driplab/drip/internal/splitter"
)

// Duration parses YAML scalars like "750ms" or "2s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// ProfileSpec is one named delivery profile from the profiles file.
type ProfileSpec struct {
	SplitMode   string    `yaml:"split_mode"`
	MaxChunkLen int       `yaml:"max_chunk_len"`
	MinChunkLen int       `yaml:"min_chunk_len"`
	Delay       DelaySpec `yaml:"delay"`
}

type DelaySpec struct {
	Strategy    string   `yaml:"strategy"`
	Min         Duration `yaml:"min"`
	Max         Duration `yaml:"max"`
	CharsPerSec float64  `yaml:"chars_per_sec"`
}

type profilesFile struct {
	Profiles map[string]ProfileSpec `yaml:"profiles"`
}

// LoadProfiles reads and validates the YAML profiles file. An empty path
// yields an empty map: profiles are optional.
func LoadProfiles(path string) (map[string]ProfileSpec, error) {
	if path == "" {
		return map[string]ProfileSpec{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var file profilesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	for name, spec := range file.Profiles {
		if _, ok := splitter.ParseMode(spec.SplitMode); !ok {
			return nil, fmt.Errorf("profile %q: unknown split_mode %q", name, spec.SplitMode)
		}
		if _, ok := pacing.ParseStrategy(spec.Delay.Strategy); !ok {
			return nil, fmt.Errorf("profile %q: unknown delay strategy %q", name, spec.Delay.Strategy)
		}
		if spec.MaxChunkLen <= 0 {
			return nil, fmt.Errorf("profile %q: max_chunk_len must be positive", name)
		}
		if spec.MinChunkLen < 0 || spec.MinChunkLen > spec.MaxChunkLen {
			return nil, fmt.Errorf("profile %q: min_chunk_len must be within [0, max_chunk_len]", name)
		}
		if spec.Delay.Min < 0 || spec.Delay.Max < spec.Delay.Min {
			return nil, fmt.Errorf("profile %q: delay must satisfy 0 <= min <= max", name)
		}
	}
	if file.Profiles == nil {
		file.Profiles = map[string]ProfileSpec{}
	}
	return file.Profiles, nil
}
