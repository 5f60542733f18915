package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const sampleHeader = `# verso configuration
#
# Precedence: VERSO_* environment variables > this file > built-in
# defaults. Durations accept Go syntax (500ms, 10s, 1m).

`

// WriteSample writes a commented sample configuration to path. Refuses
// to overwrite unless force is set.
func WriteSample(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %q already exists (use --force to overwrite)", path)
		}
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("failed to render sample config: %w", err)
	}
	return os.WriteFile(path, append([]byte(sampleHeader), data...), 0o644)
}
