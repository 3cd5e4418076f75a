// Package match implements nested route matching over a route.Tree.
//
// Every route contributes a branch (the chain from a top-level route down to
// it). Branches are ranked by specificity and the first one whose segments
// all match the pathname wins:
//
//	static segment   +10
//	dynamic ":id"    +3
//	empty segment    +1
//	index route      +2
//	splat "*"        -2
//
// plus one point per segment. Ties keep sibling declaration order. Pathless
// layouts contribute no segments; index routes match their parent's exact
// path.
//
// Partial matching, used to drive route discovery, allows the deepest route
// of a branch to match a prefix of the pathname.
package match
