package kv

import "fmt"

// Key templates shared across packages.
const (
	PersistenceRecord = "persistence:%s"
	PersistenceIndex  = "persistence:list:%s"
	OnlineStatus      = "users:online:%s"
	IdentityRelay     = "users:relay:%s"
	UserSession       = "users:session:%s"
	Blacklist         = "app:blacklist"

	ChatAuth         = "chat:auth:%s"
	ChatUserChannels = "chat:user:%s:channels"
	ChatChannelUsers = "chat:channel:%s:users"
)

// Key fills a template.
func Key(template string, args ...any) string {
	return fmt.Sprintf(template, args...)
}
