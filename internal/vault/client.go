// Package vault loads exchange credentials from a HashiCorp Vault KV v2 secret.
package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/vault/api"

	"futures-agent/config"
)

// ErrNotFound is returned when the secret or one of its keys is missing.
var ErrNotFound = errors.New("vault: credentials not found")

// Credentials are the exchange API key pair stored in the secret.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// Client wraps the HashiCorp Vault client
type Client struct {
	client *api.Client
	config config.VaultConfig
}

// NewClient creates a new Vault client
func NewClient(cfg config.VaultConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("vault address is required")
	}
	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		tlsConfig := &api.TLSConfig{
			CACert: cfg.CACert,
		}
		if err := vaultConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Client{client: client, config: cfg}, nil
}

// dataPath is the KV v2 read path: <mount>/data/<secret path>.
func (c *Client) dataPath() string {
	return strings.Trim(c.config.MountPath, "/") + "/data/" + strings.Trim(c.config.SecretPath, "/")
}

// GetCredentials reads api_key and secret_key from the configured secret.
func (c *Client) GetCredentials(ctx context.Context) (Credentials, error) {
	secret, err := c.client.Logical().ReadWithContext(ctx, c.dataPath())
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read credentials from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return Credentials{}, ErrNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Credentials{}, fmt.Errorf("invalid secret format at %s", c.dataPath())
	}

	creds := Credentials{
		APIKey:    getString(data, "api_key"),
		SecretKey: getString(data, "secret_key"),
	}
	if creds.APIKey == "" || creds.SecretKey == "" {
		return Credentials{}, fmt.Errorf("%w: api_key and secret_key are required", ErrNotFound)
	}
	return creds, nil
}

// ApplyCredentials overwrites the exchange keys in cfg with the secret's values when
// vault is enabled. Disabled vault leaves cfg untouched.
func ApplyCredentials(ctx context.Context, vcfg config.VaultConfig, cfg *config.BinanceConfig) error {
	if !vcfg.Enabled {
		return nil
	}
	c, err := NewClient(vcfg)
	if err != nil {
		return err
	}
	creds, err := c.GetCredentials(ctx)
	if err != nil {
		return err
	}
	cfg.APIKey = creds.APIKey
	cfg.SecretKey = creds.SecretKey
	return nil
}

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}
