package auth

import (
	"context"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"
)

// VaultSecretProvider resolves signing secrets from a HashiCorp Vault KV
// mount. mountPath/field locate the secret; keyID is treated as the path
// segment beneath mountPath.
type VaultSecretProvider struct {
	client    *vaultapi.Client
	mountPath string
	field     string
}

// NewVaultSecretProvider constructs a VaultSecretProvider against an
// already-authenticated Vault client.
func NewVaultSecretProvider(client *vaultapi.Client, mountPath, field string) *VaultSecretProvider {
	if field == "" {
		field = "value"
	}
	return &VaultSecretProvider{client: client, mountPath: mountPath, field: field}
}

// Secret reads the secret at mountPath/keyID and returns its field as bytes.
func (p *VaultSecretProvider) Secret(ctx context.Context, keyID string) ([]byte, error) {
	path := fmt.Sprintf("%s/data/%s", p.mountPath, keyID)
	secret, err := p.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("auth: vault read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("auth: vault secret %s not found", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("auth: vault secret %s missing data envelope", path)
	}

	raw, ok := data[p.field]
	if !ok {
		return nil, fmt.Errorf("auth: vault secret %s missing field %q", path, p.field)
	}

	str, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("auth: vault secret %s field %q is not a string", path, p.field)
	}

	return []byte(str), nil
}
