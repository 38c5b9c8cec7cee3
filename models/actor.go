package models

type ActorRole string

const (
	RoleClient   ActorRole = "client"
	RoleProvider ActorRole = "provider"
	RoleAdmin    ActorRole = "admin"
	RoleSystem   ActorRole = "system"
)

// Actor is whoever caused a state change, captured on every audit entry.
type Actor struct {
	ID        string
	Role      ActorRole
	IPAddress string
	UserAgent string
}

// SystemActor is used for webhooks, queue consumers and schedulers.
func SystemActor(source string) Actor {
	return Actor{ID: "system:" + source, Role: RoleSystem}
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }
