package auth

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// AWSSecretProvider resolves signing secrets from AWS Secrets Manager.
type AWSSecretProvider struct {
	client *secretsmanager.Client
}

// NewAWSSecretProvider constructs an AWSSecretProvider against an
// already-configured Secrets Manager client.
func NewAWSSecretProvider(client *secretsmanager.Client) *AWSSecretProvider {
	return &AWSSecretProvider{client: client}
}

// Secret fetches the secret named by keyID and returns its raw value.
func (p *AWSSecretProvider) Secret(ctx context.Context, keyID string) ([]byte, error) {
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &keyID,
	})
	if err != nil {
		return nil, fmt.Errorf("auth: aws secrets manager get %q: %w", keyID, err)
	}

	if out.SecretBinary != nil {
		return out.SecretBinary, nil
	}
	if out.SecretString != nil {
		return []byte(*out.SecretString), nil
	}
	return nil, fmt.Errorf("auth: aws secrets manager secret %q has no value", keyID)
}
