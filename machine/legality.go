package machine

import "makerd/model"

// permRequirement is the table cell shape from spec §4.5's transition
// legality table.
type permRequirement int

const (
	permDenied permRequirement = iota
	permNoop
	permWrite
	permManage
	permUserOrManage
	permUserOnly
)

// requiredPermission implements spec §4.5's transition legality table.
// "me"/"other" columns for InUse/Reserved targets are resolved against
// requester (the column is about who the target's embedded user is
// relative to the principal making the request, not the current
// holder). A diagonal cell whose target equals the current state by
// value is the no-op. Diagonal cells for Blocked/Disabled (same Kind,
// different Reason — not representable in the source table, which only
// names one cell per Kind pair) require manage, a filled gap recorded in
// DESIGN.md; reassigning an existing ToCheck or Reserved to a different
// user is treated the same way.
func requiredPermission(from, to model.MachineState, requester string) permRequirement {
	switch from.Kind {
	case model.Free:
		switch to.Kind {
		case model.Free:
			return permNoop
		case model.InUse:
			if to.User == requester {
				return permWrite
			}
			return permManage
		case model.ToCheck:
			return permDenied
		case model.Blocked, model.Disabled:
			return permManage
		case model.Reserved:
			if to.User == requester {
				return permWrite
			}
			return permDenied
		}
	case model.InUse:
		switch to.Kind {
		case model.Free:
			return permUserOrManage
		case model.InUse:
			if to.User == requester {
				return permUserOnly
			}
			return permManage
		case model.ToCheck:
			return permUserOrManage
		case model.Blocked, model.Disabled:
			return permManage
		case model.Reserved:
			return permDenied
		}
	case model.ToCheck:
		switch to.Kind {
		case model.Free:
			return permManage
		case model.InUse, model.Reserved:
			return permDenied
		case model.ToCheck:
			if to.User == from.User {
				return permNoop
			}
			return permManage
		case model.Blocked, model.Disabled:
			return permManage
		}
	case model.Blocked:
		switch to.Kind {
		case model.Free:
			return permManage
		case model.InUse, model.ToCheck, model.Reserved:
			return permDenied
		case model.Blocked:
			if to.Reason == from.Reason {
				return permNoop
			}
			return permManage
		case model.Disabled:
			return permManage
		}
	case model.Disabled:
		switch to.Kind {
		case model.Free:
			return permManage
		case model.InUse, model.ToCheck, model.Reserved:
			return permDenied
		case model.Blocked:
			return permManage
		case model.Disabled:
			if to.Reason == from.Reason {
				return permNoop
			}
			return permManage
		}
	case model.Reserved:
		switch to.Kind {
		case model.Free:
			return permUserOrManage
		case model.InUse:
			if to.User == requester {
				return permUserOnly
			}
			return permDenied
		case model.ToCheck:
			return permDenied
		case model.Blocked, model.Disabled:
			return permManage
		case model.Reserved:
			if to.User == from.User {
				return permNoop
			}
			return permManage
		}
	}
	return permDenied
}
