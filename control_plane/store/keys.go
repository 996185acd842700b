package store

import (
	"fmt"
)

// Resource type for tenant-scoped keys.
type Resource string

const (
	ResourceDevice   Resource = "devices"
	ResourceAction   Resource = "actions"
	ResourceModule   Resource = "modules"
	ResourceArtifact Resource = "artifacts"
)

// TenantKey constructs a fully qualified key for a tenant resource.
// Format: otaforge:tenants:{tenant}:{resource}:{id}
func TenantKey(tenant string, resource Resource, id string) string {
	return fmt.Sprintf("otaforge:tenants:%s:%s:%s", tenant, resource, id)
}

// TenantPrefix constructs a search pattern prefix for a tenant resource.
// Format: otaforge:tenants:{tenant}:{resource}:
func TenantPrefix(tenant string, resource Resource) string {
	return fmt.Sprintf("otaforge:tenants:%s:%s:", tenant, resource)
}
