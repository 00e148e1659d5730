// Package codec encodes watch keys and values.
//
// Keys use the order preserving byte encoding known from cockroach's
// util/encoding: every component is written between a marker byte and the
// terminator 0x00 0x01, with 0x00 escaped as 0x00 0xff. Comparing encoded keys
// byte-wise therefore compares their component lists, which the storage engine
// and the prefix scans of PureGet and WatchGet rely on.
//
// Values are a sequence of tagged fields: version (2), value (3) and
// extension (4).
package codec
