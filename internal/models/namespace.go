package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Namespace is the tenant isolation boundary inside the vector index.
// The zero value is invalid; the only way to build one is NamespaceFor.
type Namespace struct {
	name     string
	tenantID string
}

// NamespaceFor derives the namespace of a tenant.
func NamespaceFor(tenantID string) (Namespace, error) {
	if strings.TrimSpace(tenantID) == "" {
		return Namespace{}, fmt.Errorf("%w: empty tenant id", ErrInvalidInput)
	}
	sum := sha256.Sum256([]byte(tenantID))
	return Namespace{
		name:     "tenant_" + hex.EncodeToString(sum[:16]),
		tenantID: tenantID,
	}, nil
}

// String returns the storage name of the namespace.
func (n Namespace) String() string {
	return n.name
}

// TenantID returns the tenant the namespace was derived from.
func (n Namespace) TenantID() string {
	return n.tenantID
}

// Valid reports whether n was built by NamespaceFor.
func (n Namespace) Valid() bool {
	return n.name != ""
}
