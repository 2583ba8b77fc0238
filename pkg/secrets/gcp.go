package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// Accessor is the subset of the Secret Manager client used here.
type Accessor interface {
	GetSecret(ctx context.Context, secretName string) (string, error)
}

type GCPSecretManager struct {
	client    *secretmanager.Client
	projectID string
	logger    *logrus.Logger
}

// NewGCPSecretManager connects with application default credentials, or with
// credentialsFile when it is set.
func NewGCPSecretManager(ctx context.Context, projectID, credentialsFile string, logger *logrus.Logger) (*GCPSecretManager, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}

	return &GCPSecretManager{
		client:    client,
		projectID: projectID,
		logger:    logger,
	}, nil
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, secretName)

	result, err := g.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: name,
	})
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}

	return string(result.Payload.Data), nil
}

func (g *GCPSecretManager) Close() error {
	return g.client.Close()
}

// GetSecretWithDefault returns the trimmed secret, or defaultValue when it
// cannot be read.
func GetSecretWithDefault(ctx context.Context, a Accessor, logger *logrus.Logger, secretName, defaultValue string) string {
	if secretName == "" {
		return defaultValue
	}
	value, err := a.GetSecret(ctx, secretName)
	if err != nil {
		logger.WithError(err).WithField("secret", secretName).Debug("Failed to get secret, using default")
		return defaultValue
	}
	return strings.TrimSpace(value)
}

type SecretNames struct {
	CoinbaseAPIKey     string `mapstructure:"coinbase_api_key"`
	CoinbaseAPISecret  string `mapstructure:"coinbase_api_secret"`
	CoinbasePassphrase string `mapstructure:"coinbase_passphrase"`
	CoinbaseAPIKeyName string `mapstructure:"coinbase_api_key_name"`
	CoinbasePrivateKey string `mapstructure:"coinbase_private_key"`
	RedisPassword      string `mapstructure:"redis_password"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		CoinbaseAPIKey:     "coinbase-api-key",
		CoinbaseAPISecret:  "coinbase-api-secret",
		CoinbasePassphrase: "coinbase-passphrase",
		CoinbaseAPIKeyName: "coinbase-api-key-name",
		CoinbasePrivateKey: "coinbase-private-key",
		RedisPassword:      "replicator-redis-password",
	}
}
