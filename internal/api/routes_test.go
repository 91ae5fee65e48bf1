package api

import (
	"context"
	"errors"
	"testing"

	"github.com/helmsman-ops/helmsman/internal/api/authenticator"
	"github.com/helmsman-ops/helmsman/internal/services/user"
	"github.com/stretchr/testify/assert"
)

type fakeUserDirectory struct {
	users map[string]*user.User
}

func (f *fakeUserDirectory) GetByID(ctx context.Context, id string) (*user.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, errors.New("user not found")
	}
	return u, nil
}

func TestResolveRoleUsesStoredRole(t *testing.T) {
	users := &fakeUserDirectory{users: map[string]*user.User{
		"u-1": {ID: "u-1", Role: user.RoleMember},
	}}

	// A token claiming admin is downgraded to the stored role.
	claims := &authenticator.Claims{UserID: "u-1", Role: "admin"}
	resolveRole(context.Background(), users, claims)

	assert.Equal(t, "member", claims.Role)
}

func TestResolveRolePromotesStoredAdmin(t *testing.T) {
	users := &fakeUserDirectory{users: map[string]*user.User{
		"u-1": {ID: "u-1", Role: user.RoleAdmin},
	}}

	claims := &authenticator.Claims{UserID: "u-1", Role: "member"}
	resolveRole(context.Background(), users, claims)

	assert.Equal(t, "admin", claims.Role)
}

func TestResolveRoleKeepsTokenRoleForUnknownUser(t *testing.T) {
	users := &fakeUserDirectory{users: map[string]*user.User{}}

	claims := &authenticator.Claims{UserID: "u-9", Role: "member"}
	resolveRole(context.Background(), users, claims)

	assert.Equal(t, "member", claims.Role)
}
