package sliceutil

import "iter"

// OuterJoin walks two slices sorted by cmp in step. Each element is yielded once, paired with
// the equal element of the other slice, or with nil when the other slice has none.
func OuterJoin[A, B any](a []A, b []B, cmp func(a A, b B) int) iter.Seq2[*A, *B] {
	return func(yield func(*A, *B) bool) {
		i, j := 0, 0
		for i < len(a) && j < len(b) {
			var ok bool
			switch c := cmp(a[i], b[j]); {
			case c == 0:
				ok = yield(&a[i], &b[j])
				i++
				j++
			case c < 0:
				ok = yield(&a[i], nil)
				i++
			default:
				ok = yield(nil, &b[j])
				j++
			}
			if !ok {
				return
			}
		}
		for ; i < len(a); i++ {
			if !yield(&a[i], nil) {
				return
			}
		}
		for ; j < len(b); j++ {
			if !yield(nil, &b[j]) {
				return
			}
		}
	}
}
