// Package discovery implements manifest-driven route discovery for
// router.Options.PatchRoutesOnNavigation.
//
// Route subtrees are described in manifest files (YAML, JSON or TOML) that
// name their handlers instead of containing code. A Registry maps those
// names to Go functions. An index file tells the Discoverer which manifest
// serves which URL prefix and which route it hangs under:
//
//	# index.yaml
//	manifests:
//	  - prefix: /admin
//	    parent: root
//	    file: admin.yaml
//
//	# admin.yaml
//	routes:
//	  - id: admin
//	    path: admin
//	    loader: admin.layout
//	    errorBoundary: true
//	    children:
//	      - index: true
//	        loader: admin.home
//	      - path: users/:id
//	        loader: admin.user
//	        action: admin.saveUser
//
// Manifests are fetched only when a navigation first reaches their prefix,
// from an fs.FS or an S3 bucket:
//
//	reg := discovery.NewRegistry().
//	    Loader("admin.layout", loadLayout).
//	    Loader("admin.home", loadHome)
//	d := discovery.New(discovery.FSSource{FS: os.DirFS("routes")}, reg)
//	r, _ := router.New(router.Options{
//	    Routes:                  base,
//	    PatchRoutesOnNavigation: d.Discover,
//	})
package discovery
