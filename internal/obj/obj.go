// Package obj provides the reference-counted object header shared
// resources in this module are published through: Alloc with a close
// callback, IncRef/DecRef, and the callback firing exactly once when
// the count reaches zero. Published VAD maps and PTE maps are wrapped
// in one of these rather than left to Go's GC alone, so a holder's
// final DecRef deterministically frees the text arena at a known point
// instead of relying on finalizers. Prototype-PTE byte arrays are not
// wrapped; protopte.Cache holds them as plain slices.
package obj

import "sync/atomic"

// CloseFunc runs exactly once, when a Ref's count drops to zero.
type CloseFunc func()

// Ref is one reference-counted object.
type Ref struct {
	Tag   string
	Value any

	refs  atomic.Int32
	close CloseFunc
}

// Alloc constructs a Ref with one initial reference.
func Alloc(tag string, value any, close CloseFunc) *Ref {
	r := &Ref{Tag: tag, Value: value, close: close}
	r.refs.Store(1)
	return r
}

// IncRef adds one reference and returns r, so a caller can take a
// reference and assign it in one expression.
func (r *Ref) IncRef() *Ref {
	r.refs.Add(1)
	return r
}

// DecRef releases one reference, running the close callback exactly
// once when the count reaches zero. Calling DecRef more times than the
// object was referenced is a caller bug and is not guarded against.
func (r *Ref) DecRef() {
	if r.refs.Add(-1) == 0 && r.close != nil {
		r.close()
	}
}

// RefCount reports the current reference count, exposed only for tests.
func (r *Ref) RefCount() int32 { return r.refs.Load() }
