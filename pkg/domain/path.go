package domain

import (
	"fmt"
	"strings"
)

// Materialized-path parameters. Each node stores the full chain of ancestor
// segments as one string; lexicographic order on paths equals pre-order
// traversal of the tree. Alphabet and width give 36^4 possible siblings
// under a single parent.
const (
	// PathAlphabet is the ordered set of symbols a segment is drawn from.
	PathAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	// SegmentWidth is the fixed number of symbols per path segment.
	SegmentWidth = 4
)

// MaxSegmentIndex is the highest sibling index representable at SegmentWidth.
const MaxSegmentIndex = 36*36*36*36 - 1

// Path is an ordered sequence of fixed-width segments encoding the ancestry
// of a node from its forest root, the node's own segment included. The empty
// path is not a valid node path; it only appears as the parent of roots.
type Path string

// Segment is one fixed-width unit of a Path.
type Segment string

// SegmentForIndex encodes a non-negative sibling index as a fixed-width
// segment. Encodings are strictly increasing under lexicographic order.
func SegmentForIndex(i int) (Segment, error) {
	if i < 0 {
		return "", fmt.Errorf("segment index %d negative", i)
	}
	if i > MaxSegmentIndex {
		return "", ErrCapacityExceeded{Index: i}
	}
	buf := [SegmentWidth]byte{}
	for pos := SegmentWidth - 1; pos >= 0; pos-- {
		buf[pos] = PathAlphabet[i%len(PathAlphabet)]
		i /= len(PathAlphabet)
	}
	return Segment(buf[:]), nil
}

// IndexForSegment decodes a segment back to its sibling index.
func IndexForSegment(seg Segment) (int, error) {
	if len(seg) != SegmentWidth {
		return 0, fmt.Errorf("segment %q has width %d, want %d", seg, len(seg), SegmentWidth)
	}
	idx := 0
	for i := 0; i < len(seg); i++ {
		pos := strings.IndexByte(PathAlphabet, seg[i])
		if pos < 0 {
			return 0, fmt.Errorf("segment %q contains %q outside the path alphabet", seg, seg[i])
		}
		idx = idx*len(PathAlphabet) + pos
	}
	return idx, nil
}

// NextSiblingSegment returns a segment ordered after every segment in
// existing, implementing append-at-end placement. With no existing siblings
// it returns the lowest segment.
func NextSiblingSegment(existing []Segment) (Segment, error) {
	next := 0
	for _, seg := range existing {
		idx, err := IndexForSegment(seg)
		if err != nil {
			return "", err
		}
		if idx+1 > next {
			next = idx + 1
		}
	}
	return SegmentForIndex(next)
}

// Valid reports whether p is a well-formed node path: non-empty, a whole
// number of segments, every symbol drawn from the alphabet.
func (p Path) Valid() bool {
	if len(p) == 0 || len(p)%SegmentWidth != 0 {
		return false
	}
	for i := 0; i < len(p); i++ {
		if strings.IndexByte(PathAlphabet, p[i]) < 0 {
			return false
		}
	}
	return true
}

// Depth is the number of segments in the path. Roots have depth 1.
func (p Path) Depth() int { return len(p) / SegmentWidth }

// Parent returns the path with the last segment removed, or "" for a root.
func (p Path) Parent() Path {
	if len(p) <= SegmentWidth {
		return ""
	}
	return p[:len(p)-SegmentWidth]
}

// LastSegment returns the node's own segment.
func (p Path) LastSegment() Segment {
	if len(p) < SegmentWidth {
		return ""
	}
	return Segment(p[len(p)-SegmentWidth:])
}

// Append extends the path by one child segment.
func (p Path) Append(seg Segment) Path { return p + Path(seg) }

// IsAncestorOf reports whether p is a strict ancestor of other.
func (p Path) IsAncestorOf(other Path) bool {
	return len(other) > len(p) && strings.HasPrefix(string(other), string(p))
}

// IsPrefixOf reports whether other lies in the subtree rooted at p,
// p itself included.
func (p Path) IsPrefixOf(other Path) bool {
	return strings.HasPrefix(string(other), string(p))
}

// Rebase replaces the oldPrefix of p with newPrefix, preserving the suffix.
// The caller must ensure oldPrefix is a prefix of p.
func (p Path) Rebase(oldPrefix, newPrefix Path) Path {
	return newPrefix + p[len(oldPrefix):]
}
