// Package history defines the location-persistence collaborator used by the
// router and provides an in-memory implementation.
//
// The router never parses URLs beyond splitting a target into pathname,
// search and hash; everything about where a location is stored (a browser
// session, a test fixture, a remote client) lives behind the History
// interface.
//
// # Actions
//
// Every location change carries an Action:
//
//	history.Pop     // traversal (back/forward), driven by Go
//	history.Push    // new entry
//	history.Replace // current entry overwritten
//
// Only POP changes are reported to listeners; PUSH and REPLACE are always
// initiated by the router itself.
package history
