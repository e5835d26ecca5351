package domain

// User is the identity that owns a session collection.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
}

// LocalUser is the fixed synthetic identity used in standalone mode.
func LocalUser() *User {
	return &User{ID: "local-user", DisplayName: "Local User"}
}
