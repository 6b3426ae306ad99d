// Package fileops provides the streaming primitives shared by extraction and
// fingerprinting: a fixed-buffer copy, a hashing reader, and an overrun check
// for decoded streams.
package fileops
