package shared

import (
	"fmt"

	"github.com/google/uuid"
)

// LowStockLockKey builds the redis key guarding a tenant's reorder draft.
func LowStockLockKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("lowstock:tenant:%s:lock", tenantID)
}
