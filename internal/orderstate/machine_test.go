package orderstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-orchestrator/internal/domain"
)

var (
	allStatuses = []domain.OrderStatus{
		domain.OrderPending, domain.OrderPaid, domain.OrderShipped,
		domain.OrderDelivered, domain.OrderCompleted, domain.OrderCancelled,
	}
	allRoles = []domain.Role{
		domain.RoleBuyer, domain.RoleSeller, domain.RoleAdmin, domain.RoleSystem, domain.RoleCarrier,
	}
)

func TestCheckAllowsTableTransitions(t *testing.T) {
	tests := []Request{
		{From: domain.OrderPending, To: domain.OrderPaid, Role: domain.RoleSystem},
		{From: domain.OrderPaid, To: domain.OrderShipped, Role: domain.RoleSeller, TrackingNumber: "1Z999", Carrier: "ups"},
		{From: domain.OrderShipped, To: domain.OrderDelivered, Role: domain.RoleCarrier},
		{From: domain.OrderShipped, To: domain.OrderDelivered, Role: domain.RoleSystem},
		{From: domain.OrderShipped, To: domain.OrderCompleted, Role: domain.RoleBuyer},
		{From: domain.OrderDelivered, To: domain.OrderCompleted, Role: domain.RoleBuyer},
		{From: domain.OrderPending, To: domain.OrderCancelled, Role: domain.RoleBuyer},
		{From: domain.OrderPaid, To: domain.OrderCancelled, Role: domain.RoleBuyer},
		{From: domain.OrderPaid, To: domain.OrderCancelled, Role: domain.RoleSeller},
		{From: domain.OrderShipped, To: domain.OrderCancelled, Role: domain.RoleSeller},
		{From: domain.OrderShipped, To: domain.OrderCancelled, Role: domain.RoleAdmin},
	}
	for _, req := range tests {
		assert.NoError(t, Check(req), "%s -> %s as %s", req.From, req.To, req.Role)
	}
}

func TestCheckRejectsPairsOutsideTableForEveryRole(t *testing.T) {
	for _, from := range allStatuses {
		for _, to := range allStatuses {
			if _, ok := transitions[from][to]; ok {
				continue
			}
			for _, role := range allRoles {
				err := Check(Request{From: from, To: to, Role: role, TrackingNumber: "t", Carrier: "c"})
				require.Error(t, err)
				assert.Equal(t, domain.KindBadRequest, domain.KindOf(err), "%s -> %s as %s", from, to, role)
				assert.Contains(t, err.Error(), string(from))
			}
		}
	}
}

func TestCheckDistinguishesForbiddenFromInvalid(t *testing.T) {
	err := Check(Request{From: domain.OrderPaid, To: domain.OrderShipped, Role: domain.RoleBuyer, TrackingNumber: "t", Carrier: "c"})
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))

	err = Check(Request{From: domain.OrderPending, To: domain.OrderPaid, Role: domain.RoleAdmin})
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))
}

func TestCheckShipRequiresTracking(t *testing.T) {
	err := Check(Request{From: domain.OrderPaid, To: domain.OrderShipped, Role: domain.RoleSeller, Carrier: "ups"})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	err = Check(Request{From: domain.OrderPaid, To: domain.OrderShipped, Role: domain.RoleSeller, TrackingNumber: "1Z", Carrier: "  "})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestCancellationScenario(t *testing.T) {
	// buyer may cancel a paid order
	assert.NoError(t, Check(Request{From: domain.OrderPaid, To: domain.OrderCancelled, Role: domain.RoleBuyer}))

	// not once it has shipped
	err := Check(Request{From: domain.OrderShipped, To: domain.OrderCancelled, Role: domain.RoleBuyer})
	assert.Equal(t, domain.KindForbidden, domain.KindOf(err))

	// the seller still can
	assert.NoError(t, Check(Request{From: domain.OrderShipped, To: domain.OrderCancelled, Role: domain.RoleSeller}))

	// but not after completion
	err = Check(Request{From: domain.OrderCompleted, To: domain.OrderCancelled, Role: domain.RoleSeller})
	assert.Error(t, err)
	assert.Equal(t, domain.KindBadRequest, domain.KindOf(err))
}

func TestTargets(t *testing.T) {
	assert.Equal(t, []domain.OrderStatus{domain.OrderCancelled, domain.OrderShipped}, Targets(domain.OrderPaid, domain.RoleSeller))
	assert.Equal(t, []domain.OrderStatus{domain.OrderCompleted}, Targets(domain.OrderDelivered, domain.RoleBuyer))
	assert.Empty(t, Targets(domain.OrderCompleted, domain.RoleAdmin))
}

func TestCheckNamesReachableStatuses(t *testing.T) {
	err := Check(Request{From: domain.OrderPaid, To: domain.OrderCompleted, Role: domain.RoleSeller})
	var de *domain.Error
	require.ErrorAs(t, err, &de)
	assert.Equal(t, domain.KindBadRequest, de.Kind)
	assert.Equal(t, []domain.OrderStatus{domain.OrderCancelled, domain.OrderShipped}, de.Fields["allowedStatuses"])

	err = Check(Request{From: domain.OrderPaid, To: domain.OrderStatus("lost"), Role: domain.RoleAdmin})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}
