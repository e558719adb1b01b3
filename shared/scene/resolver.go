package scene

import (
	"cmp"
	"slices"
)

type refKind int

const (
	refParentNode refKind = iota
	refMaterial
)

type pendingRef struct {
	geometry string
	kind     refKind
}

// resolver remembers references to entities that do not exist yet, keyed by
// the name of the missing entity.
type resolver struct {
	waiting map[string]map[pendingRef]struct{}
	targets map[pendingRef]string
}

func newResolver() *resolver {
	return &resolver{
		waiting: make(map[string]map[pendingRef]struct{}),
		targets: make(map[pendingRef]string),
	}
}

func (r *resolver) wait(target string, ref pendingRef) {
	r.cancel(ref)
	refs, ok := r.waiting[target]
	if !ok {
		refs = make(map[pendingRef]struct{})
		r.waiting[target] = refs
	}
	refs[ref] = struct{}{}
	r.targets[ref] = target
}

func (r *resolver) cancel(ref pendingRef) {
	target, ok := r.targets[ref]
	if !ok {
		return
	}
	delete(r.targets, ref)
	refs := r.waiting[target]
	delete(refs, ref)
	if len(refs) == 0 {
		delete(r.waiting, target)
	}
}

// take removes and returns the references waiting on target.
func (r *resolver) take(target string) []pendingRef {
	refs, ok := r.waiting[target]
	if !ok {
		return nil
	}
	delete(r.waiting, target)
	out := make([]pendingRef, 0, len(refs))
	for ref := range refs {
		delete(r.targets, ref)
		out = append(out, ref)
	}
	slices.SortFunc(out, func(a, b pendingRef) int {
		if c := cmp.Compare(a.geometry, b.geometry); c != 0 {
			return c
		}
		return cmp.Compare(a.kind, b.kind)
	})
	return out
}

func (r *resolver) target(ref pendingRef) (string, bool) {
	t, ok := r.targets[ref]
	return t, ok
}

func (r *resolver) forget(geometry string) {
	r.cancel(pendingRef{geometry: geometry, kind: refParentNode})
	r.cancel(pendingRef{geometry: geometry, kind: refMaterial})
}
