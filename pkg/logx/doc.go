// Package logx configures wacast's structured logging.
//
// It wraps zerolog behind a small Logger/Field API so services can keep a
// single live logger while sinks and levels are swapped at runtime.
package logx
