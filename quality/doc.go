// Package quality scores generated answers and decides between accepting
// a draft and regenerating it.
package quality
