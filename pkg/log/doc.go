// Package log provides the zerolog-based global logger and the child
// logger helpers components use to tag their output (component, root,
// plan_id, txn_id).
package log
