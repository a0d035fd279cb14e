// Package jwt issues and verifies the HS256 access tokens minted at login,
// with strict algorithm pinning and expiry validation.
package jwt
