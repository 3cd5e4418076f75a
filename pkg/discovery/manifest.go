package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"reflect"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
)

// ErrUnsupportedFormat is returned for manifest files whose extension is
// not .json, .yaml, .yml or .toml.
var ErrUnsupportedFormat = errors.New("discovery: unsupported manifest format")

// RouteSpec describes one route by handler name.
type RouteSpec struct {
	ID            string         `json:"id,omitempty" yaml:"id,omitempty" toml:"id,omitempty" validate:"omitempty,max=200"`
	Path          string         `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty" validate:"excluded_if=Index true"`
	Index         bool           `json:"index,omitempty" yaml:"index,omitempty" toml:"index,omitempty"`
	CaseSensitive bool           `json:"caseSensitive,omitempty" yaml:"caseSensitive,omitempty" toml:"caseSensitive,omitempty"`
	Loader        string         `json:"loader,omitempty" yaml:"loader,omitempty" toml:"loader,omitempty"`
	Action        string         `json:"action,omitempty" yaml:"action,omitempty" toml:"action,omitempty"`
	Middleware    []string       `json:"middleware,omitempty" yaml:"middleware,omitempty" toml:"middleware,omitempty" validate:"dive,required"`
	Revalidate    string         `json:"shouldRevalidate,omitempty" yaml:"shouldRevalidate,omitempty" toml:"shouldRevalidate,omitempty"`
	ErrorBoundary bool           `json:"errorBoundary,omitempty" yaml:"errorBoundary,omitempty" toml:"errorBoundary,omitempty"`
	Handle        map[string]any `json:"handle,omitempty" yaml:"handle,omitempty" toml:"handle,omitempty"`
	Children      []RouteSpec    `json:"children,omitempty" yaml:"children,omitempty" toml:"children,omitempty" validate:"excluded_if=Index true,dive"`
}

// Manifest is one route subtree file.
type Manifest struct {
	Routes []RouteSpec `json:"routes" yaml:"routes" toml:"routes" validate:"required,min=1,dive"`
}

// Index maps URL prefixes to manifests.
type Index struct {
	Manifests []IndexEntry `json:"manifests" yaml:"manifests" toml:"manifests" validate:"required,dive"`
}

// IndexEntry declares that File serves URLs under Prefix and that its
// routes are patched beneath the route Parent ("" for the top level).
type IndexEntry struct {
	Prefix string `json:"prefix" yaml:"prefix" toml:"prefix" validate:"required,startswith=/"`
	Parent string `json:"parent,omitempty" yaml:"parent,omitempty" toml:"parent,omitempty"`
	File   string `json:"file" yaml:"file" toml:"file" validate:"required"`
}

// Covers reports whether pathname lies under the entry's prefix, comparing
// whole segments case-insensitively.
func (e IndexEntry) Covers(pathname string) bool {
	prefix := strings.ToLower(strings.TrimSuffix(e.Prefix, "/"))
	p := strings.ToLower(pathname)
	if prefix == "" {
		return true
	}
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := fld.Tag.Get("json")
		if name == "-" {
			return ""
		}
		if idx := strings.Index(name, ","); idx != -1 {
			name = name[:idx]
		}
		if name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Decode unmarshals data into v using the format implied by name's
// extension and validates the result.
func Decode(name string, data []byte, v any) error {
	var err error
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		err = json.Unmarshal(data, v)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, v)
	case ".toml":
		err = toml.Unmarshal(data, v)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
	if err != nil {
		return fmt.Errorf("discovery: decode %q: %w", name, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("discovery: invalid %q: %w", name, err)
	}
	return nil
}
