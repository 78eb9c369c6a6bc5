package models

// User is the identity decoded from the bearer token or returned by the
// authentication endpoints.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}
