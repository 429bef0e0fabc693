/*
Package event defines the five fuzzing event variants that flow between
worker processes and the broker, and their binary wire encoding.

Encoding is a one-byte variant discriminant followed by fixed-order fields;
length-prefixed byte slices and strings use a little-endian uint32 prefix.
There is no version byte: peers must be built from the same revision.
*/
package event
