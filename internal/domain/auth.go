package domain

import "github.com/golang-jwt/jwt/v5"

// CustomClaims is the bearer token shape the kernel validates at the HTTP
// boundary. Issuance lives outside the kernel; the kernel only ever
// verifies a signature and reads these fields into a RunContext.
type CustomClaims struct {
	UserID   string   `json:"user_id"`
	OrgID    string   `json:"org_id"`
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}
