package lock

import "strings"

// NamePart is one (label, id) segment of a ResourceName, e.g.
// ("table", 12) or ("page", 884).
type NamePart struct {
	Label string
	ID    int64
}

// ResourceName is a non-empty path of NameParts from the database root
// to a leaf resource (database -> table -> page -> ...). Two
// ResourceNames are equal iff their full paths are equal; distinct
// LockContext nodes must never alias the same ResourceName.
type ResourceName struct {
	parts []NamePart
	key   string
}

// NewResourceName builds a ResourceName from a root part and zero or
// more descendant parts, in order.
func NewResourceName(root NamePart, rest ...NamePart) ResourceName {
	parts := make([]NamePart, 0, len(rest)+1)
	parts = append(parts, root)
	parts = append(parts, rest...)
	return ResourceName{parts: parts, key: encodeKey(parts)}
}

func encodeKey(parts []NamePart) string {
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Label)
		b.WriteByte('\x00')
		b.WriteString(itoa(p.ID))
		b.WriteByte('\x1f')
	}
	return b.String()
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Child returns the ResourceName for a descendant of r identified by
// (label, id).
func (r ResourceName) Child(label string, id int64) ResourceName {
	parts := make([]NamePart, len(r.parts)+1)
	copy(parts, r.parts)
	parts[len(r.parts)] = NamePart{Label: label, ID: id}
	return ResourceName{parts: parts, key: encodeKey(parts)}
}

// Parent returns r's parent and true, or the zero value and false if r
// is already a root resource.
func (r ResourceName) Parent() (ResourceName, bool) {
	if len(r.parts) <= 1 {
		return ResourceName{}, false
	}
	parts := r.parts[:len(r.parts)-1]
	return ResourceName{parts: parts, key: encodeKey(parts)}, true
}

// IsRoot reports whether r has no parent.
func (r ResourceName) IsRoot() bool {
	return len(r.parts) <= 1
}

// Depth returns the number of parts in r's path (root has depth 1).
func (r ResourceName) Depth() int {
	return len(r.parts)
}

// Key returns a stable, total-ordering-free string encoding of the full
// path, usable as a map key.
func (r ResourceName) Key() string {
	return r.key
}

// Equals reports whether r and other name the same resource.
func (r ResourceName) Equals(other ResourceName) bool {
	return r.key == other.key
}

// HasPrefix reports whether r is the same as, or is a descendant of,
// prefix — i.e. prefix's path is a prefix of r's path.
func (r ResourceName) HasPrefix(prefix ResourceName) bool {
	if len(prefix.parts) > len(r.parts) {
		return false
	}
	for i, p := range prefix.parts {
		if r.parts[i] != p {
			return false
		}
	}
	return true
}

// String renders the path as "label(id)/label(id)/...".
func (r ResourceName) String() string {
	var b strings.Builder
	for i, p := range r.parts {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(p.Label)
		b.WriteByte('(')
		b.WriteString(itoa(p.ID))
		b.WriteByte(')')
	}
	return b.String()
}
