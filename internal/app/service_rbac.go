package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"mychat/api/internal/authpw"
	"mychat/api/internal/rbac"
	"mychat/api/internal/store"
)

func (s *Service) ListUsers(ctx context.Context) ([]UserPayload, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	out := make([]UserPayload, 0, len(users))
	for _, user := range users {
		out = append(out, userPayload(user))
	}
	return out, nil
}

func (s *Service) GetUser(ctx context.Context, rawID string) (UserPayload, error) {
	userID, ok := parseID(rawID)
	if !ok {
		return UserPayload{}, badRequest("Invalid user ID")
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return UserPayload{}, notFound("User not found")
	}
	if err != nil {
		return UserPayload{}, err
	}
	return userPayload(user), nil
}

type CreateUserInput struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	Password string `json:"password"`
}

type UpdateUserInput struct {
	Username *string `json:"username"`
	Email    *string `json:"email"`
	Role     *string `json:"role"`
	Password *string `json:"password"`
}

func (s *Service) AdminCreateUser(ctx context.Context, input CreateUserInput) (UserPayload, error) {
	username := strings.TrimSpace(input.Username)
	email := strings.TrimSpace(input.Email)
	if username == "" || email == "" {
		return UserPayload{}, badRequest("Username and email are required")
	}

	user := store.User{
		Username: username,
		Email:    email,
		Role:     string(rbac.Normalize(input.Role)),
	}
	if input.Password != "" {
		hash, err := authpw.HashPassword(input.Password)
		if err != nil {
			return UserPayload{}, passwordError(err)
		}
		user.PasswordHash = hash
	}

	created, err := s.store.CreateUser(ctx, user)
	if errors.Is(err, store.ErrConflict) {
		return UserPayload{}, domainError(http.StatusConflict, "CONFLICT", "User with this email already exists", nil)
	}
	if err != nil {
		return UserPayload{}, err
	}
	return userPayload(created), nil
}

func (s *Service) AdminUpdateUser(ctx context.Context, rawID string, input UpdateUserInput) (UserPayload, error) {
	userID, ok := parseID(rawID)
	if !ok {
		return UserPayload{}, badRequest("Invalid user ID")
	}

	var update store.UserUpdate
	if input.Username != nil {
		if username := strings.TrimSpace(*input.Username); username != "" {
			update.Username = &username
		}
	}
	if input.Email != nil {
		if email := strings.TrimSpace(*input.Email); email != "" {
			update.Email = &email
		}
	}
	if input.Role != nil && rbac.Valid(*input.Role) {
		role := *input.Role
		update.Role = &role
	}
	if input.Password != nil && *input.Password != "" {
		hash, err := authpw.HashPassword(*input.Password)
		if err != nil {
			return UserPayload{}, passwordError(err)
		}
		update.PasswordHash = &hash
	}
	if update.Empty() {
		return UserPayload{}, badRequest("No valid fields to update")
	}

	user, err := s.store.UpdateUser(ctx, userID, update)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return UserPayload{}, notFound("User not found")
	case errors.Is(err, store.ErrConflict):
		return UserPayload{}, domainError(http.StatusConflict, "CONFLICT", "Username or email already in use", nil)
	case err != nil:
		return UserPayload{}, err
	}
	return userPayload(user), nil
}

func (s *Service) AdminDeleteUser(ctx context.Context, actor Session, rawID string) error {
	userID, ok := parseID(rawID)
	if !ok {
		return badRequest("Invalid user ID")
	}
	if userID == actor.UserID {
		return badRequest("Cannot delete your own account")
	}
	err := s.store.DeleteUser(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return notFound("User not found")
	}
	if err != nil {
		return err
	}
	if s.search != nil {
		s.search.RemoveUser(userID)
	}
	return nil
}

func passwordError(err error) error {
	if errors.Is(err, authpw.ErrPasswordTooShort) {
		return badRequest(err.Error())
	}
	return err
}
