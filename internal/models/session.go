package models

// Session holds the credential and identity for a logged-in user.
type Session struct {
	Token       string `json:"token"`
	DisplayName string `json:"display_name"`
}

// Authenticated reports whether the session carries a credential.
func (s Session) Authenticated() bool {
	return s.Token != ""
}
