package lowstock

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/apotheca-erp/apotheca/internal/inventory"
)

// AlertState is the per-tenant bookkeeping of the low-stock alert.
type AlertState struct {
	TenantID         uuid.UUID  `json:"tenant_id"`
	TrackedOrderID   *uuid.UUID `json:"tracked_order_id,omitempty"`
	TrackedSignature string     `json:"tracked_signature,omitempty"`
	HandledSignature string     `json:"handled_signature,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (s *AlertState) clearTracked() {
	s.TrackedOrderID = nil
	s.TrackedSignature = ""
}

// Status is the alert view of one tenant.
type Status struct {
	Signature      string              `json:"signature"`
	Handled        bool                `json:"handled"`
	LowStock       []inventory.Product `json:"low_stock"`
	TrackedDraftID *uuid.UUID          `json:"tracked_draft_id,omitempty"`
}

const signatureSeparator = ","

// Signature fingerprints the set of products at or below their threshold.
// It is empty when nothing is low.
func Signature(products []inventory.Product) string {
	ids := make([]string, 0, len(products))
	for _, p := range products {
		if p.IsLowStock() {
			ids = append(ids, p.ID.String())
		}
	}
	slices.Sort(ids)
	return strings.Join(ids, signatureSeparator)
}

func lowStock(products []inventory.Product) []inventory.Product {
	out := make([]inventory.Product, 0)
	for _, p := range products {
		if p.IsLowStock() {
			out = append(out, p)
		}
	}
	return out
}

func productIDs(products []inventory.Product) []uuid.UUID {
	ids := make([]uuid.UUID, len(products))
	for i, p := range products {
		ids[i] = p.ID
	}
	return ids
}
