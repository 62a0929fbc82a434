// Package secrets fetches credentials from Google Secret Manager, letting
// environment variables of the same name take precedence.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

// secretManagerTimeout prevents indefinite hangs when accessing secrets.
const secretManagerTimeout = 10 * time.Second

// Manager handles fetching secrets from Google Secret Manager.
type Manager struct {
	client    *secretmanager.Client
	logger    *slog.Logger
	getenv    func(string) string
	projectID string
}

// New creates a secrets manager. If credentialsPath is empty, it uses
// Application Default Credentials.
func New(ctx context.Context, projectID, credentialsPath string, logger *slog.Logger) (*Manager, error) {
	var opts []option.ClientOption
	if credentialsPath != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsPath))
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Manager{
		client:    client,
		logger:    logger.With("component", "secrets", "project_id", projectID),
		getenv:    os.Getenv,
		projectID: projectID,
	}, nil
}

// GetWithEnvOverride returns the environment variable envVar when set and
// otherwise the latest version of secretName.
func (m *Manager) GetWithEnvOverride(ctx context.Context, envVar, secretName string) (string, error) {
	if value := m.getenv(envVar); value != "" {
		m.logger.Info("using environment variable instead of secret", "env_var", envVar)
		return value, nil
	}

	resourceName := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", m.projectID, secretName)

	timeoutCtx, cancel := context.WithTimeout(ctx, secretManagerTimeout)
	defer cancel()

	result, err := m.client.AccessSecretVersion(timeoutCtx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: resourceName,
	})
	if err != nil {
		m.logger.Warn("failed to access secret", "env_var", envVar, "secret_name", secretName, "error", err)
		return "", fmt.Errorf("failed to access secret %s: %w", resourceName, err)
	}

	value := string(result.GetPayload().GetData())
	m.logger.Info("fetched secret from Secret Manager", "secret_name", secretName, "has_value", value != "")
	return value, nil
}

// Close closes the Secret Manager client connection.
func (m *Manager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}

// Getter resolves one secret. *Manager implements it.
type Getter interface {
	GetWithEnvOverride(ctx context.Context, envVar, secretName string) (string, error)
}

// Fill resolves each still-empty target, keyed by environment variable
// name, which doubles as the secret name. All failures are returned
// together; targets that resolved are kept.
func Fill(ctx context.Context, g Getter, targets map[string]*string) error {
	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		dst := targets[name]
		if *dst != "" {
			continue
		}
		v, err := g.GetWithEnvOverride(ctx, name, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*dst = v
	}
	return errors.Join(errs...)
}
