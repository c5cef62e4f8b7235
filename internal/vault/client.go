// Package vault retrieves venue API credentials from HashiCorp Vault, with
// an environment-variable fallback for development deployments.
package vault

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/vault/api"

	"trading-engine/internal/venue"
)

// Config controls the vault connection
type Config struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// Client wraps the HashiCorp Vault client for venue credential reads
type Client struct {
	client *api.Client
	config Config
	mu     sync.RWMutex
	cache  map[string]*venue.Credentials
}

// NewClient creates the client. With Enabled false, credentials come from
// environment variables only.
func NewClient(cfg Config) (*Client, error) {
	c := &Client{
		config: cfg,
		cache:  make(map[string]*venue.Credentials),
	}
	if !cfg.Enabled {
		return c, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	if cfg.TLSEnabled && cfg.CACert != "" {
		if err := vaultConfig.ConfigureTLS(&api.TLSConfig{CACert: cfg.CACert}); err != nil {
			return nil, fmt.Errorf("failed to configure TLS: %w", err)
		}
	}

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.Token)
	c.client = client
	return c, nil
}

// VenueCredentials returns the API credentials for a venue. Lookup order:
// cache, vault, then VENUE_<NAME>_API_KEY / VENUE_<NAME>_API_SECRET env vars.
func (c *Client) VenueCredentials(ctx context.Context, venueName string) (*venue.Credentials, error) {
	c.mu.RLock()
	if cached, ok := c.cache[venueName]; ok {
		c.mu.RUnlock()
		return cached, nil
	}
	c.mu.RUnlock()

	if c.config.Enabled {
		creds, err := c.readFromVault(ctx, venueName)
		if err == nil {
			c.store(venueName, creds)
			return creds, nil
		}
	}

	creds, err := credentialsFromEnv(venueName)
	if err != nil {
		return nil, err
	}
	c.store(venueName, creds)
	return creds, nil
}

func (c *Client) readFromVault(ctx context.Context, venueName string) (*venue.Credentials, error) {
	path := fmt.Sprintf("%s/data/venues/%s", c.mountPath(), venueName)
	secret, err := c.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("read vault secret %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no vault secret at %s", path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected secret shape at %s", path)
	}
	key, _ := data["api_key"].(string)
	sec, _ := data["api_secret"].(string)
	if key == "" || sec == "" {
		return nil, fmt.Errorf("incomplete credentials at %s", path)
	}
	return &venue.Credentials{APIKey: key, APISecret: sec}, nil
}

func (c *Client) mountPath() string {
	if c.config.MountPath != "" {
		return c.config.MountPath
	}
	return "secret"
}

func (c *Client) store(venueName string, creds *venue.Credentials) {
	c.mu.Lock()
	c.cache[venueName] = creds
	c.mu.Unlock()
}

func credentialsFromEnv(venueName string) (*venue.Credentials, error) {
	prefix := "VENUE_" + strings.ToUpper(venueName) + "_"
	key := os.Getenv(prefix + "API_KEY")
	secret := os.Getenv(prefix + "API_SECRET")
	if key == "" || secret == "" {
		return nil, fmt.Errorf("no credentials for venue %s in vault or environment", venueName)
	}
	return &venue.Credentials{APIKey: key, APISecret: secret}, nil
}
