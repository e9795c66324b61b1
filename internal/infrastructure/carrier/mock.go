package carrier

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockCarrier issues labels in memory. Used when no carrier is configured.
type MockCarrier struct {
	mu        sync.Mutex
	shipments map[string]Tracking
	now       func() time.Time
}

func NewMockCarrier() *MockCarrier {
	return &MockCarrier{shipments: make(map[string]Tracking), now: time.Now}
}

func (m *MockCarrier) GetLabel(ctx context.Context, spec ShipmentSpec) (Label, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tracking := "MOCK" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	m.shipments[tracking] = Tracking{
		Status: "label_created",
		Events: []TrackingEvent{{Status: "label_created", Description: "Label created", OccurredAt: m.now().UTC()}},
	}
	return Label{
		TrackingNumber: tracking,
		LabelURL:       fmt.Sprintf("https://labels.invalid/%s.pdf", tracking),
		Carrier:        "mock",
	}, nil
}

func (m *MockCarrier) GetTracking(ctx context.Context, code string) (Tracking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.shipments[code]
	if !ok {
		return Tracking{}, ErrUnknownShipment
	}
	return t, nil
}

// Advance appends a carrier scan to a shipment.
func (m *MockCarrier) Advance(code, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.shipments[code]
	t.Status = status
	t.Events = append(t.Events, TrackingEvent{Status: status, Description: status, OccurredAt: m.now().UTC()})
	m.shipments[code] = t
}
