package services

import (
	"github.com/helmsman-ops/helmsman/internal/config"
	"github.com/helmsman-ops/helmsman/internal/db"
	conversation2 "github.com/helmsman-ops/helmsman/internal/services/conversation"
	user2 "github.com/helmsman-ops/helmsman/internal/services/user"
)

type Services struct {
	Conversation *conversation2.ConversationService
	User         *user2.UserService
}

func NewServices(conf *config.Config) *Services {
	dbconn := db.NewConn(conf)

	return &Services{
		Conversation: conversation2.NewConversationService(conversation2.NewConversationRepo(dbconn)),
		User:         user2.NewUserService(user2.NewUserRepo(dbconn)),
	}
}
