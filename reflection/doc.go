// Package reflection implements the evaluate-and-retry cycle that runs
// after a plan's tasks settle.
//
// The Loop records task outcomes, turns their results into evidence with
// stable citation indices, asks the language model whether the evidence is
// sufficient and decides between another planning pass and synthesis.
// Insufficiency is a Verdict, never an error, and the number of retries per
// plan is bounded by MaxRetry.
package reflection
