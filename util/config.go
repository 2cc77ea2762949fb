package util

import (
	"os"

	"gopkg.in/yaml.v2"
)

// LoadConfig reads a yaml options file into out. Passing a struct with
// yaml tags overrides only the settings present in the file.
func LoadConfig(path string, out interface{}) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(buf, out)
}
