package models

// Workspace roles carried in access tokens.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is the identity an access token is issued for.
type User struct {
	Subject   string `json:"sub"`
	Workspace string `json:"workspace,omitempty"`
	Role      string `json:"role,omitempty"`
}
