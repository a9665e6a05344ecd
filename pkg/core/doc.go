// Package core is the dispatch layer: it loads configuration, opens the
// catalog and snapshot store, hands components their dependencies, and
// owns the root cancellation context.
package core
