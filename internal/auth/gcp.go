package auth

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	secretmanagerpb "cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
)

// GCPSecretProvider resolves signing secrets from Google Secret Manager.
// keyID is the secret's ID within projectID, e.g. "replikit-signing-key";
// the latest version of that secret is read.
type GCPSecretProvider struct {
	client    *secretmanager.Client
	projectID string
}

// NewGCPSecretProvider constructs a GCPSecretProvider against an
// already-configured Secret Manager client.
func NewGCPSecretProvider(client *secretmanager.Client, projectID string) *GCPSecretProvider {
	return &GCPSecretProvider{client: client, projectID: projectID}
}

// Secret accesses the latest version of the named secret.
func (p *GCPSecretProvider) Secret(ctx context.Context, keyID string) ([]byte, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", p.projectID, keyID)
	resp, err := p.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: name,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: gcp secret manager access %q: %w", name, err)
	}
	if resp.Payload == nil {
		return nil, fmt.Errorf("auth: gcp secret manager secret %q has no payload", name)
	}
	return resp.Payload.Data, nil
}
