/*
Package apply executes a plan as one transaction. The prelude streams
every action's pre-image into the snapshot store and appends a log entry
before any filesystem change; mutations then run in seq order — unlink
for Delete, rename for Move (copy-then-remove across devices), and
temp-link-plus-rename for ReplaceWithLink. Transient errors (EAGAIN,
EBUSY) retry with exponential backoff; anything else stops the run and
finalizes the transaction as partial. Only one transaction can be open
at a time — BeginTxn is the coarse lock.
*/
package apply
