// Package sim builds routers from navsim configuration and runs scripted
// step sequences against them.
//
// Manifests refer to the built-in handlers registered by Builtins:
//
//	loaders:     params, echo, requestId, notFound, fail, slow, redirect.home, fixture.<key>
//	actions:     form, reject, fail, redirect.home
//	middleware:  log, stamp
//	revalidate:  never, always
package sim
