package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/ghodss/yaml"
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// Load reads path into v, choosing the format from the file extension.
// Fields missing from the file keep the values v already holds, so callers
// usually start from DefaultServer or DefaultClient.
func Load(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "config: read")
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, v)
	case ".toml":
		err = toml.Unmarshal(data, v)
	case ".json":
		err = json.Unmarshal(data, v)
	default:
		return errors.Errorf("config: unsupported file extension %q", ext)
	}
	return errors.Wrapf(err, "config: decode %s", filepath.Base(path))
}

// LoadServer loads a server configuration on top of DefaultServer and
// validates it.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()
	if err := Load(path, &cfg); err != nil {
		return Server{}, err
	}
	return cfg, cfg.Validate()
}

// LoadClient loads a client configuration on top of DefaultClient and
// validates it.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()
	if err := Load(path, &cfg); err != nil {
		return Client{}, err
	}
	return cfg, cfg.Validate()
}
