package config

import (
	"context"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/auth"

	"messengerService/pkg/api"
)

// SetupFirebase initializes the Firebase app from the ambient service account
// credentials.
func SetupFirebase(ctx context.Context) (*firebase.App, error) {
	return firebase.NewApp(ctx, nil)
}

// FirebaseVerifier adapts the Firebase auth client to the token verifier
// used by the auth middleware.
type FirebaseVerifier struct {
	client *auth.Client
}

func NewFirebaseVerifier(ctx context.Context, app *firebase.App) (*FirebaseVerifier, error) {
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, err
	}
	return &FirebaseVerifier{client: client}, nil
}

func (v *FirebaseVerifier) Verify(ctx context.Context, idToken string) (api.Identity, error) {
	token, err := v.client.VerifyIDToken(ctx, idToken)
	if err != nil {
		return api.Identity{}, err
	}
	identity := api.Identity{UID: token.UID}
	if name, ok := token.Claims["name"].(string); ok {
		identity.Name = name
	}
	if email, ok := token.Claims["email"].(string); ok {
		identity.Email = email
	}
	return identity, nil
}
