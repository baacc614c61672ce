package config

import (
	"fmt"
	"io"

	"github.com/BurntSushi/toml"
)

// Render writes cfg as TOML, in the layout Load reads back.
func Render(cfg *Config, w io.Writer) error {
	enc := toml.NewEncoder(w)
	enc.Indent = ""

	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return nil
}
