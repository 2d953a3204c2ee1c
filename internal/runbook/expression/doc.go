// Package expression provides condition expression evaluation for rollback
// and overdue-phase guards.
//
// It uses the expr-lang/expr library to evaluate boolean expressions against
// a batch member's data_json/worker_data_json, or against batch-scoped
// fields when there is no member. Expressions support:
//
//   - Field access: data.region, worker_data.target_mailbox_id, or the
//     promoted top-level form (region, target_mailbox_id)
//   - Comparisons: ==, !=, <, >, <=, >=
//   - Boolean logic: &&, ||, !
//   - Membership: "value" in array (built-in operator)
//   - Custom functions: has(array, element), includes(array, element), length(x)
//
// Example expressions:
//
//	"legal-hold" in data.groups
//	has(data.groups, "legal-hold")
//	worker_data.target_mailbox_id != ""
//
// The evaluator caches compiled expressions for performance.
//
// Note: the expr library uses "contains" as a string operator (for substring
// matching), so use "in" or "has()" for array membership checks.
package expression
