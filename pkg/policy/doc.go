// Package policy decides which protected fields an actor may see or change.
//
// A Policy is compiled from a Config enumerating {role, classification,
// purpose} -> allowed actions, plus a catalog of the fields each resource
// type carries and their classifications. Compiled policies are immutable;
// a Validator hands out one snapshot per request and a Watcher replaces the
// snapshot when the policy file changes.
//
// Authorization never fails with an error. A request with nothing permitted
// yields a Decision with no allowed fields and a reason code, so the caller
// can still record the denial.
//
// Minimum necessary: a field is allowed only when
//
//  1. it is in the resource's catalog,
//  2. a rule grants the actor's role the requested action on the field's
//     classification for the stated purpose, and
//  3. when the resource requires consent, the consent snapshot holds an
//     active grant for that purpose (emergency access may bypass this).
package policy
