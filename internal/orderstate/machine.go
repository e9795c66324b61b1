// Package orderstate encodes the legal order status transitions and who may
// perform each of them.
package orderstate

import (
	"slices"
	"strings"

	"market-orchestrator/internal/domain"
)

var transitions = map[domain.OrderStatus]map[domain.OrderStatus][]domain.Role{
	domain.OrderPending: {
		domain.OrderPaid:      {domain.RoleSystem},
		domain.OrderCancelled: {domain.RoleBuyer, domain.RoleSeller, domain.RoleAdmin},
	},
	domain.OrderPaid: {
		domain.OrderShipped:   {domain.RoleSeller},
		domain.OrderCancelled: {domain.RoleBuyer, domain.RoleSeller, domain.RoleAdmin},
	},
	domain.OrderShipped: {
		domain.OrderDelivered: {domain.RoleCarrier, domain.RoleSystem},
		domain.OrderCompleted: {domain.RoleBuyer},
		// buyers lose the right to cancel once the parcel is on its way
		domain.OrderCancelled: {domain.RoleSeller, domain.RoleAdmin},
	},
	domain.OrderDelivered: {
		domain.OrderCompleted: {domain.RoleBuyer},
	},
}

// Request describes a requested status change.
type Request struct {
	From           domain.OrderStatus
	To             domain.OrderStatus
	Role           domain.Role
	TrackingNumber string
	Carrier        string
}

// Check validates a transition. State-validity failures are BAD_REQUEST,
// role failures FORBIDDEN, missing ship details VALIDATION.
func Check(req Request) error {
	if !req.To.Valid() {
		return domain.Validation("unknown order status %q", req.To)
	}
	roles, ok := transitions[req.From][req.To]
	if !ok {
		return domain.BadRequest("cannot transition order from %s to %s", req.From, req.To).
			With("currentStatus", req.From).
			With("requestedStatus", req.To).
			With("allowedStatuses", Targets(req.From, req.Role))
	}
	if !slices.Contains(roles, req.Role) {
		return domain.Forbidden("%s may not move order from %s to %s", roleName(req.Role), req.From, req.To).
			With("currentStatus", req.From).
			With("requestedStatus", req.To).
			With("allowedRoles", roles)
	}
	if req.To == domain.OrderShipped {
		if strings.TrimSpace(req.TrackingNumber) == "" || strings.TrimSpace(req.Carrier) == "" {
			return domain.Validation("tracking number and carrier are required to ship")
		}
	}
	return nil
}

// Targets lists the statuses role may move an order to from its current status.
func Targets(from domain.OrderStatus, role domain.Role) []domain.OrderStatus {
	var out []domain.OrderStatus
	for to, roles := range transitions[from] {
		if slices.Contains(roles, role) {
			out = append(out, to)
		}
	}
	slices.Sort(out)
	return out
}

func roleName(r domain.Role) string {
	if r == "" {
		return "caller"
	}
	return string(r)
}
