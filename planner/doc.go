// Package planner turns a classified query into an ordered list of tasks
// bound to registered capabilities.
//
// Simple queries take a shortcut: one retrieval task, no model call.
// Complex queries are decomposed by the language model against the
// capability allow-list; any malformed or unusable response degrades to
// the shortcut instead of failing the run. Replan adjusts an existing plan
// after the reflection loop asks for another pass.
package planner
