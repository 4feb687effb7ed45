// Package rulecache provides a concurrent cache of compiled rules that can be
// hot-swapped while other goroutines are evaluating them.
//
// rulecache does not define an expression language. It compiles and evaluates
// expressions through the Compiler and Program interfaces; the cel
// subpackage implements them with Google's Common Expression Language.
//
// Typical use is as follows:
//
//  1. Create a compiler, for example cel.NewEvaluator(cel.FixedSchema(&schema))
//  2. Create a registry with NewRegistry
//  3. Compile rules with CompileAndStore, or load a whole collection with
//     ReplaceAll or LoadSnapshot
//  4. Evaluate rules by name with Evaluate or EvaluateContext, or Get a rule
//     and evaluate the handle directly
//
// # Rule Ownership and Replacement
//
// A *Rule never changes after it has been created. Compiling a name again
// creates a new rule and replaces the registry's entry; it does not touch the
// old rule. A goroutine that obtained the old rule with Get can keep
// evaluating it, and will see exactly the expression, program and error it
// had when it was obtained, even after the name has been replaced or
// removed. The garbage collector reclaims a rule once no one refers to it.
//
// Compilation failures are not errors of CompileAndStore. The rule is stored
// in state Failed with the compiler's diagnostic, and evaluating it returns
// ErrNotReady.
//
// # Snapshots
//
// Updating rules one at a time gives no ordering between different names. When
// a group of rules must change together, publish them as one Snapshot through
// a SnapshotManager: readers calling Current see either the old or the new
// snapshot, never a mix. A snapshot can be compiled into a registry in one
// step with Registry.LoadSnapshot.
//
// # Concurrency
//
// Readers (Get, Evaluate, Current, ...) never take a lock. Writers build the
// new state off to the side and publish it with a single atomic store; a
// writer mutex orders concurrent writers against each other.
package rulecache
