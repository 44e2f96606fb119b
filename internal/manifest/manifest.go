// Package manifest bootstraps the registry from declarative component
// manifests. A manifest names components and the in-process builder that
// constructs each factory; it never loads code.
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"maestro/internal/errors"
	"maestro/internal/logging"
	"maestro/internal/registry"
)

// EnvVar lists manifest paths, comma-separated.
const EnvVar = "MAESTRO_MANIFESTS"

// SchemaVersion is the manifest format this loader understands.
const SchemaVersion = "1.0"

// Component is one entry of a manifest file.
type Component struct {
	Kind    string         `json:"kind" yaml:"kind"`
	Name    string         `json:"name" yaml:"name"`
	Builder string         `json:"builder" yaml:"builder"`
	Params  map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// File is the on-disk manifest shape, JSON or YAML.
type File struct {
	SchemaVersion string      `json:"schema_version" yaml:"schema_version"`
	Components    []Component `json:"components" yaml:"components"`
}

// Builder constructs a registerable factory from manifest params.
type Builder func(params map[string]any) (registry.Factory, error)

// Builders maps builder names to constructors. The host binary populates
// it with whatever factories it links in.
type Builders map[string]Builder

// Load reads each path and registers its components. JSON and YAML are
// both accepted; the extension picks the decoder. Errors carry the path
// and component that failed. Safe under concurrent invocation; duplicate
// loads are absorbed by the registry's idempotent registration.
func Load(reg *registry.Registry, builders Builders, logger logging.Logger, paths ...string) error {
	logger = logging.OrNop(logger)
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		file, err := parseFile(path)
		if err != nil {
			return err
		}
		if err := registerAll(reg, builders, path, file); err != nil {
			return err
		}
		logger.Info("loaded manifest %s (%d components)", path, len(file.Components))
	}
	return nil
}

// LoadFromEnv loads the manifests listed in MAESTRO_MANIFESTS. An unset
// or empty variable is not an error.
func LoadFromEnv(reg *registry.Registry, builders Builders, logger logging.Logger) error {
	raw := os.Getenv(EnvVar)
	if raw == "" {
		return nil
	}
	return Load(reg, builders, logger, strings.Split(raw, ",")...)
}

func parseFile(path string) (File, error) {
	var file File
	data, err := os.ReadFile(path)
	if err != nil {
		return file, errors.Wrap(errors.KindValidation, err, "read manifest %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &file)
	default:
		err = json.Unmarshal(data, &file)
	}
	if err != nil {
		return file, errors.Wrap(errors.KindValidation, err, "parse manifest %s", path)
	}

	if file.SchemaVersion != SchemaVersion {
		return file, errors.New(errors.KindValidation,
			"manifest %s: unsupported schema_version %q (want %q)", path, file.SchemaVersion, SchemaVersion)
	}
	return file, nil
}

func registerAll(reg *registry.Registry, builders Builders, path string, file File) error {
	for _, c := range file.Components {
		kind := registry.Kind(c.Kind)
		if !kind.Valid() {
			return errors.New(errors.KindValidation, "manifest %s: component %q has unknown kind %q", path, c.Name, c.Kind)
		}
		build, ok := builders[c.Builder]
		if !ok {
			return errors.New(errors.KindNotFound, "manifest %s: component %q references unknown builder %q", path, c.Name, c.Builder)
		}
		factory, err := build(c.Params)
		if err != nil {
			return errors.Wrap(errors.KindFactory, err, "manifest %s: builder %q for component %q", path, c.Builder, c.Name)
		}
		if err := reg.Register(kind, c.Name, factory); err != nil {
			return errors.Wrap(errors.KindValidation, err, "manifest %s: register %s/%s", path, c.Kind, c.Name)
		}
	}
	return nil
}
