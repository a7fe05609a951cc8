// Package objectref defines ObjectReference, the opaque, comparable handle
// that names a stored object (or a special, non-stored object) anywhere in
// the system: the block index, the metadata stream's data field, and the
// segment store all exchange references in this form.
package objectref

import "strings"

// Ref is a value identifying a stored datum. It has two variants:
//
//   - normal: a pair (segment, sequence) where segment is the owning
//     segment's UUID string and sequence is a short base-16 tag unique
//     within that segment.
//   - special: a reserved string (e.g. the zero-block sentinel) denoting
//     content with no physical storage.
//
// The zero value is null, distinct from any special reference; IsNull
// reports it. Equality is structural (Ref is directly comparable with ==).
type Ref struct {
	segment  string
	sequence string
	special  string
}

// ZeroBlock is the reserved reference denoting a block of all-zero bytes;
// it is always available and is never written to storage.
var ZeroBlock = Special("zero")

// Special returns the special reference named name. Special references are
// not in the segment/tag shape and are always available (spec §6, "Special
// references").
func Special(name string) Ref {
	return Ref{special: name}
}

// Normal returns a reference to the object with the given sequence tag
// within segment.
func Normal(segment, sequence string) Ref {
	return Ref{segment: segment, sequence: sequence}
}

// IsNull reports whether r is the default, unset reference -- distinct
// from a special reference and never itself available.
func (r Ref) IsNull() bool {
	return r.segment == "" && r.special == ""
}

// IsNormal reports whether r names a physically stored object (as opposed
// to a special reference or the null reference).
func (r Ref) IsNormal() bool {
	return r.segment != ""
}

// IsSpecial reports whether r is a special, always-available reference.
func (r Ref) IsSpecial() bool {
	return r.special != ""
}

// Segment returns the owning segment name of a normal reference ("" for
// special or null references).
func (r Ref) Segment() string {
	return r.segment
}

// Sequence returns the sequence tag of a normal reference ("" for special
// or null references).
func (r Ref) Sequence() string {
	return r.sequence
}

// String renders r in the canonical textual form used by the metadata
// stream and the catalog: "<segment>/<tag>" for normal references, or the
// bare special name for special references. The null reference renders as
// the empty string.
func (r Ref) String() string {
	switch {
	case r.IsNormal():
		return r.segment + "/" + r.sequence
	case r.IsSpecial():
		return r.special
	default:
		return ""
	}
}

// Parse interprets s in the canonical textual form produced by String.
// The empty string yields the null reference. Strings containing "/" are
// treated as normal references; any other string is a special reference,
// matching
// spec §6: "Special references ... are stable strings not in the
// <uuid>/<tag> shape."
func Parse(s string) Ref {
	if s == "" {
		return Ref{}
	}
	if idx := strings.IndexByte(s, '/'); idx >= 0 {
		return Normal(s[:idx], s[idx+1:])
	}
	return Special(s)
}
