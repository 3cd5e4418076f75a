// Package config loads navsim configuration files.
//
// The configuration is stored in navsim.yaml (or .yml, .json, .toml) next to
// the route manifests. Empty fields take defaults and the result is
// validated on load.
//
// # Configuration File Structure
//
//	origin: http://localhost
//	initialPath: /
//	manifests:
//	  dir: routes
//	  index: index.yaml
//	  root: root.yaml
//	fixtures:
//	  user: {name: Ada}
//	devtools:
//	  host: localhost
//	  port: 7070
//	log:
//	  level: debug
//	  format: json
//	script:
//	  - op: navigate
//	    to: /users/1
//	  - op: submit
//	    to: /users/1
//	    form: {name: Grace}
//	  - op: fetch
//	    key: search
//	    to: /search?q=go
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Println("Devtools:", cfg.DevtoolsAddress())
package config
