// Package stream defines the wire events a run emits to its caller and
// encoders that frame them as NDJSON or server-sent events.
//
// A stream starts with a start event and ends with exactly one of done,
// error or interrupt. After an interrupt nothing is emitted until the
// session is resumed, which opens a new stream.
package stream
