// Package rulestore loads catch-all rules from a YAML, JSON or TOML file and
// publishes them, together with their data access handle, as atomic snapshots.
package rulestore

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"

	"github.com/haukened/rr-catchall/internal/catchall/domain"
	"github.com/haukened/rr-catchall/internal/catchall/repos/datastore"
)

var ErrUnsupportedFormat = errors.New("unsupported rule file format")

// File is the parsed content of a rule file.
//
//	domains:
//	  - name: example.com
//	    address: catchall@example.com
//	  - name: '^sales-(.+)@example\.net$'
//	    regex: true
//	    address: team-$1@example.net
//	database:
//	  enabled: true
//	  type: sqlite
//	  database: /var/lib/rr-catchall/catchall.db
type File struct {
	Domains  []domain.RawRule    `koanf:"domains"`
	Database datastore.Settings `koanf:"database"`
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	case ".toml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// LoadFile reads and parses the rule file at path. Individual rule entries
// are not validated here; that is the compiler's job.
func LoadFile(path string) (File, error) {
	parser, err := parserFor(path)
	if err != nil {
		return File{}, err
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return File{}, fmt.Errorf("failed to load rule file %s: %w", path, err)
	}

	var f File
	if err := k.Unmarshal("", &f); err != nil {
		return File{}, fmt.Errorf("failed to decode rule file %s: %w", path, err)
	}
	return f, nil
}

var validate = validator.New()

// ValidateDatabase checks the database section.
func ValidateDatabase(s datastore.Settings) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid database section: %w", err)
	}
	return nil
}
