package custody

import "github.com/ethereum/go-ethereum/common"

// SetGuardianRoot grants guardian the permission set summarized by
// root. Only the authority may grant, and only to a presently
// whitelisted guardian.
func (e *ExecutionEngine) SetGuardianRoot(caller, guardian common.Address, root common.Hash) error {
	if caller != e.authority {
		return ErrNotAuthority
	}
	if root == (common.Hash{}) {
		return ErrZeroRoot
	}
	if !e.whitelist.IsWhitelisted(guardian) {
		return ErrGuardianNotWhitelisted
	}
	e.roots[guardian] = root
	return nil
}

// RemoveGuardian revokes a guardian entirely.
func (e *ExecutionEngine) RemoveGuardian(caller, guardian common.Address) error {
	if caller != e.authority {
		return ErrNotAuthority
	}
	delete(e.roots, guardian)
	return nil
}

// GuardianRoot returns the guardian's current root, zero if none.
func (e *ExecutionEngine) GuardianRoot(guardian common.Address) common.Hash {
	return e.roots[guardian]
}

// CheckGuardianWhitelist is the open maintenance entry point: anyone
// may call it to zero the root of a guardian whose identity has fallen
// off the whitelist. A nonzero root therefore implies the guardian was
// whitelisted at the time of the last check, not necessarily now.
func (e *ExecutionEngine) CheckGuardianWhitelist(guardian common.Address) bool {
	if e.whitelist.IsWhitelisted(guardian) {
		return true
	}
	if _, ok := e.roots[guardian]; ok {
		delete(e.roots, guardian)
		e.chain.Emit(GuardianEjectedEvent{Guardian: guardian})
	}
	return false
}
