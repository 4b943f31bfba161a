// Package config loads the Java-properties files the coordinator and the
// broker are configured from.
package config

import (
	"embed"
	"io/fs"

	"github.com/magiconair/properties"
	"github.com/pkg/errors"
)

const (
	// CoordinatorResource is the bundled coordination service configuration.
	CoordinatorResource = "zk.properties"
	// BrokerResource is the bundled broker configuration.
	BrokerResource = "kafka.properties"
)

// ErrResourceNotFound is returned when a configuration resource is missing.
var ErrResourceNotFound = errors.New("config: resource not found")

//go:embed resources/*.properties
var resources embed.FS

// Bundled returns the configuration resources compiled into the binary.
func Bundled() fs.FS {
	sub, err := fs.Sub(resources, "resources")
	if err != nil {
		panic(err)
	}
	return sub
}

// Load reads name from fsys as properties text. Values are kept verbatim:
// no ${} expansion is performed.
func Load(fsys fs.FS, name string) (*properties.Properties, error) {
	b, err := fs.ReadFile(fsys, name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(ErrResourceNotFound, name)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", name)
	}

	loader := &properties.Loader{
		Encoding:         properties.UTF8,
		DisableExpansion: true,
	}
	p, err := loader.LoadBytes(b)
	if err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", name)
	}
	return p, nil
}

// LoadWithOverride loads name and sets exactly one key. A key that is
// already present keeps its position.
func LoadWithOverride(fsys fs.FS, name, key, value string) (*properties.Properties, error) {
	p, err := Load(fsys, name)
	if err != nil {
		return nil, err
	}
	if _, _, err := p.Set(key, value); err != nil {
		return nil, errors.Wrapf(err, "config: set %s in %s", key, name)
	}
	return p, nil
}
