package vault

import (
	"context"
	"fmt"

	"prop-trading-engine/config"

	"github.com/hashicorp/vault/api"
)

// Secrets are the platform credentials that may live in Vault instead of the
// environment. Empty fields mean the env value stands.
type Secrets struct {
	JWTSigningKey string
	BotToken      string
}

// Client wraps the HashiCorp Vault client. A nil *Client (Vault not
// configured) is valid and loads nothing.
type Client struct {
	client *api.Client
	config config.VaultConfig
}

// NewClient builds a Vault client, or returns (nil, nil) when no address is
// configured.
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// LoadSecrets reads platform credentials from the KV v2 mount.
func (c *Client) LoadSecrets(ctx context.Context) (*Secrets, error) {
	if c == nil {
		return &Secrets{}, nil
	}

	path := fmt.Sprintf("%s/data/%s", c.config.MountPath, c.config.SecretPath)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secrets at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid secret format at %s", path)
	}

	return &Secrets{
		JWTSigningKey: getString(data, "jwt_signing_key"),
		BotToken:      getString(data, "bot_token"),
	}, nil
}

// Health checks the Vault connection.
func (c *Client) Health(ctx context.Context) error {
	if c == nil {
		return nil
	}

	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}

func getString(data map[string]interface{}, key string) string {
	if val, ok := data[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return ""
}
