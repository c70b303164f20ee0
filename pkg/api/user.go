package api

import (
	"context"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// TokenVerifier is the opaque credential collaborator. The production
// implementation wraps the Firebase auth client.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

type UserService interface {
	RegisterUser(ctx context.Context, identity Identity) (*UserModel, error)
	GetUserByUID(ctx context.Context, uid string) (*UserModel, error)
	GetUserByEmail(ctx context.Context, email string) (*UserModel, error)
	GetUsersByIds(ctx context.Context, uids []string) ([]*UserModel, error)
	GetUsersByNameContaining(ctx context.Context, query string) ([]*UserModel, error)
	UpdatePresence(ctx context.Context, uid string, presence PresenceStatus) error
}

type UserRepository interface {
	UpsertUser(ctx context.Context, user UserModel) (*UserModel, error)
	GetUserByUID(ctx context.Context, uid string) (*UserModel, error)
	GetUserByEmail(ctx context.Context, email string) (*UserModel, error)
	GetUsersByIds(ctx context.Context, uids []string) ([]*UserModel, error)
	GetUsersByNameContaining(ctx context.Context, query string) ([]*UserModel, error)
	UpdatePresence(ctx context.Context, uid string, presence PresenceStatus, lastSeen time.Time) error
}

type userService struct {
	storage UserRepository
	now     func() time.Time
}

func NewUserService(storage UserRepository) UserService {
	return &userService{storage: storage, now: time.Now}
}

// RegisterUser creates the user record on first registration and refreshes
// lastLogin on every later call.
func (u *userService) RegisterUser(ctx context.Context, identity Identity) (*UserModel, error) {
	if identity.UID == "" || identity.Email == "" {
		return nil, status.Error(codes.InvalidArgument, "identity must carry uid and email")
	}
	user, err := u.storage.UpsertUser(ctx, UserModel{
		UID:       identity.UID,
		Name:      identity.Name,
		Email:     identity.Email,
		Status:    PresenceOffline,
		LastSeen:  u.now(),
		LastLogin: u.now(),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "registering user: %v", err)
	}
	return user, nil
}

func (u *userService) GetUserByUID(ctx context.Context, uid string) (*UserModel, error) {
	user, err := u.storage.GetUserByUID(ctx, uid)
	if err != nil {
		return nil, userLookupError(err)
	}
	return user, nil
}

func (u *userService) GetUserByEmail(ctx context.Context, email string) (*UserModel, error) {
	if email == "" {
		return nil, status.Error(codes.InvalidArgument, "email is empty")
	}
	user, err := u.storage.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, userLookupError(err)
	}
	return user, nil
}

func (u *userService) GetUsersByIds(ctx context.Context, uids []string) ([]*UserModel, error) {
	if len(uids) == 0 {
		return nil, status.Error(codes.InvalidArgument, "uid list is empty")
	}
	users, err := u.storage.GetUsersByIds(ctx, uids)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "fetching users: %v", err)
	}
	return users, nil
}

func (u *userService) GetUsersByNameContaining(ctx context.Context, query string) ([]*UserModel, error) {
	if query == "" {
		return nil, status.Error(codes.InvalidArgument, "query is empty")
	}
	users, err := u.storage.GetUsersByNameContaining(ctx, query)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "searching users: %v", err)
	}
	return users, nil
}

func (u *userService) UpdatePresence(ctx context.Context, uid string, presence PresenceStatus) error {
	if err := u.storage.UpdatePresence(ctx, uid, presence, u.now()); err != nil {
		return status.Errorf(codes.Internal, "updating presence: %v", err)
	}
	return nil
}

func userLookupError(err error) error {
	if err == ErrNoDocument {
		return status.Error(codes.NotFound, "user not found")
	}
	return status.Errorf(codes.Internal, "looking up user: %v", err)
}
