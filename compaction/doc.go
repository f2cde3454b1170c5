// Package compaction bounds the growth of session history.
//
// When a session holds more than SummarizeThreshold messages the older
// prefix is folded into the rolling summary by the language model and only
// the most recent Keep messages survive. If summarization fails or is
// disabled the prefix is dropped without a summary. A character based
// threshold triggers the same cheap truncation when no summarizer is
// available, so history stays bounded while the model is down.
//
// Compaction only ever removes a contiguous prefix and is idempotent: a
// second pass without new messages changes nothing.
package compaction
