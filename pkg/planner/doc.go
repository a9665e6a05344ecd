/*
Package planner resolves the catalog into reviewable plans: duplicate
classes come from the hash-bucket iterator (plus any similarity clusters
the caller supplies), a strategy picks exactly one keeper per class, and
each non-keeper becomes a Delete, Move or ReplaceWithLink action under
the configured constraints. Constraint violations reject the whole plan
with ErrPlanConflict.

Actions are linearized so deletes and moves precede every link, then
sequenced. Planning is deterministic given the catalog epoch, strategy
and constraints; the plan id is derived from those inputs.
*/
package planner
