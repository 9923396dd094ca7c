package cloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/impalah/apuntador-ctrlplane/pkg/repository"
)

// secretsDeletionRecoveryDays is the recovery window AWS Secrets Manager
// holds a deleted secret for before it is gone for good.
const secretsDeletionRecoveryDays = 7

// SecretStore is the AWS Secrets Manager-backed SecretStore. Every key is
// namespaced under a configured prefix, e.g. "apuntador/ca-private-key".
type SecretStore struct {
	client *secretsmanager.Client
	prefix string
}

func NewSecretStore(client *secretsmanager.Client, prefix string) *SecretStore {
	return &SecretStore{client: client, prefix: prefix}
}

func (s *SecretStore) name(key string) string {
	return s.prefix + "/" + key
}

func (s *SecretStore) Get(ctx context.Context, key string) (string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.name(key)),
	})
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return "", repository.ErrSecretNotProvisioned
	}
	if err != nil {
		return "", fmt.Errorf("cloud: get secret %s: %w", key, err)
	}
	return aws.ToString(out.SecretString), nil
}

func (s *SecretStore) Put(ctx context.Context, key, value string) error {
	name := s.name(key)
	_, err := s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(value),
		Description:  aws.String("apuntador-ctrlplane secret: " + key),
	})
	var exists *types.ResourceExistsException
	if errors.As(err, &exists) {
		_, err = s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
			SecretId:     aws.String(name),
			SecretString: aws.String(value),
		})
	}
	if err != nil {
		return fmt.Errorf("cloud: put secret %s: %w", key, err)
	}
	return nil
}

// Delete schedules the secret for deletion with AWS Secrets Manager's
// standard recovery window rather than purging it immediately.
func (s *SecretStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:            aws.String(s.name(key)),
		RecoveryWindowInDays: aws.Int64(secretsDeletionRecoveryDays),
	})
	var notFound *types.ResourceNotFoundException
	if errors.As(err, &notFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cloud: delete secret %s: %w", key, err)
	}
	return nil
}

func (s *SecretStore) List(ctx context.Context) ([]string, error) {
	var keys []string
	var nextToken *string
	for {
		out, err := s.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("cloud: list secrets: %w", err)
		}
		for _, secret := range out.SecretList {
			name := aws.ToString(secret.Name)
			if trimmed, ok := trimPrefix(name, s.prefix+"/"); ok {
				keys = append(keys, trimmed)
			}
		}
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	return keys, nil
}

func trimPrefix(s, prefix string) (string, bool) {
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}

var _ repository.SecretStore = (*SecretStore)(nil)
