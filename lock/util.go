package lock

import (
	"txnstore/locktype"
	"txnstore/txn"
)

// EnsureSufficient is the declarative lock-acquisition façade (spec
// §4.4): given a target context and a desired access level, it walks
// the ancestor chain acquiring or promoting the intent locks needed to
// reach the target, then acquires or promotes the target itself to
// requestType — all without the caller having to reason about which
// locks it already holds. A call that the transaction's current
// effective lock already satisfies is a no-op.
func EnsureSufficient(tx txn.ID, context *Context, requestType locktype.LockType) error {
	if locktype.Substitutable(context.GetEffectiveLockType(tx), requestType) {
		return nil
	}

	var ancestors []*Context
	for p := context.Parent(); p != nil; p = p.Parent() {
		ancestors = append(ancestors, p)
	}
	for i, j := 0, len(ancestors)-1; i < j; i, j = i+1, j-1 {
		ancestors[i], ancestors[j] = ancestors[j], ancestors[i]
	}

	neededIntent := locktype.IS
	if requestType == locktype.X || requestType == locktype.IX || requestType == locktype.SIX {
		neededIntent = locktype.IX
	}
	for _, anc := range ancestors {
		if err := ensureIntent(tx, anc, neededIntent); err != nil {
			return err
		}
	}
	return ensureAtTarget(tx, context, requestType)
}

// ensureIntent brings ctx's explicit lock up to at least needed,
// promoting to SIX when neither needed nor the currently-held type
// substitutes the other (e.g. an S holder that now needs IX).
func ensureIntent(tx txn.ID, ctx *Context, needed locktype.LockType) error {
	explicit := ctx.GetExplicitLockType(tx)
	switch {
	case explicit == needed:
		return nil
	case explicit == locktype.NL:
		return ctx.Acquire(tx, needed)
	case locktype.Substitutable(explicit, needed):
		return nil
	case locktype.Substitutable(needed, explicit):
		return ctx.Promote(tx, needed)
	default:
		return ctx.Promote(tx, locktype.SIX)
	}
}

// ensureAtTarget brings context's own explicit lock up to requestType.
func ensureAtTarget(tx txn.ID, context *Context, requestType locktype.LockType) error {
	explicit := context.GetExplicitLockType(tx)
	switch {
	case explicit == requestType:
		return nil
	case explicit == locktype.NL:
		return context.Acquire(tx, requestType)
	case locktype.Substitutable(explicit, requestType):
		return nil
	case locktype.Substitutable(requestType, explicit):
		return context.Promote(tx, requestType)
	default:
		return context.Promote(tx, locktype.SIX)
	}
}
