package discovery

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var wantManifest = Manifest{Routes: []RouteSpec{{
	ID:            "admin",
	Path:          "admin",
	Loader:        "admin.layout",
	Middleware:    []string{"auth"},
	ErrorBoundary: true,
	Children: []RouteSpec{
		{Index: true, Loader: "admin.home"},
		{Path: "users/:id", Loader: "admin.user", Action: "admin.saveUser"},
	},
}}}

func TestDecodeFormats(t *testing.T) {
	files := map[string]string{
		"admin.yaml": `
routes:
  - id: admin
    path: admin
    loader: admin.layout
    middleware: [auth]
    errorBoundary: true
    children:
      - index: true
        loader: admin.home
      - path: users/:id
        loader: admin.user
        action: admin.saveUser
`,
		"admin.json": `{"routes": [{
  "id": "admin", "path": "admin", "loader": "admin.layout",
  "middleware": ["auth"], "errorBoundary": true,
  "children": [
    {"index": true, "loader": "admin.home"},
    {"path": "users/:id", "loader": "admin.user", "action": "admin.saveUser"}
  ]
}]}`,
		"admin.toml": `
[[routes]]
id = "admin"
path = "admin"
loader = "admin.layout"
middleware = ["auth"]
errorBoundary = true

[[routes.children]]
index = true
loader = "admin.home"

[[routes.children]]
path = "users/:id"
loader = "admin.user"
action = "admin.saveUser"
`,
	}
	for name, data := range files {
		t.Run(name, func(t *testing.T) {
			var m Manifest
			require.NoError(t, Decode(name, []byte(data), &m))
			if diff := cmp.Diff(wantManifest, m); diff != "" {
				t.Errorf("manifest mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		file string
		data string
	}{
		{"unsupported", "routes.ini", "x=1"},
		{"syntax", "routes.json", "{"},
		{"no routes", "routes.yaml", "routes: []"},
		{"index with children", "routes.yaml", `
routes:
  - index: true
    children:
      - path: x
`},
		{"index with path", "routes.yaml", `
routes:
  - index: true
    path: x
`},
		{"empty middleware name", "routes.yaml", `
routes:
  - path: x
    middleware: [""]
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m Manifest
			assert.Error(t, Decode(tt.file, []byte(tt.data), &m))
		})
	}

	var m Manifest
	assert.ErrorIs(t, Decode("routes.ini", nil, &m), ErrUnsupportedFormat)
}

func TestDecodeIndex(t *testing.T) {
	var idx Index
	require.NoError(t, Decode("index.yml", []byte(`
manifests:
  - prefix: /admin
    parent: root
    file: admin.yaml
`), &idx))
	assert.Equal(t, []IndexEntry{{Prefix: "/admin", Parent: "root", File: "admin.yaml"}}, idx.Manifests)

	assert.Error(t, Decode("index.yml", []byte(`
manifests:
  - prefix: admin
    file: admin.yaml
`), &idx), "prefix must be absolute")
}

func TestIndexEntryCovers(t *testing.T) {
	tests := []struct {
		prefix string
		path   string
		want   bool
	}{
		{"/admin", "/admin", true},
		{"/admin", "/admin/users/1", true},
		{"/admin/", "/admin/users", true},
		{"/admin", "/ADMIN/users", true},
		{"/admin", "/administrator", false},
		{"/admin", "/", false},
		{"/", "/anything", true},
	}
	for _, tt := range tests {
		got := IndexEntry{Prefix: tt.prefix}.Covers(tt.path)
		assert.Equal(t, tt.want, got, "%s covers %s", tt.prefix, tt.path)
	}
}
