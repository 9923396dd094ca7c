// Package cloud implements the CLOUD infrastructure provider: a
// CertificateStore backed by DynamoDB, a SecretStore backed by AWS
// Secrets Manager, and a BlobStore backed by S3.
package cloud

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/impalah/apuntador-ctrlplane/pkg/repository"
)

func init() {
	repository.RegisterProvider("cloud", open)
}

func open(ctx context.Context, cfg repository.FactoryConfig) (*repository.Repositories, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.CloudRegion))
	if err != nil {
		return nil, fmt.Errorf("cloud: load AWS config: %w", err)
	}

	certs := NewCertificateStore(dynamodb.NewFromConfig(awsCfg), cfg.CloudTableName)
	secrets := NewSecretStore(secretsmanager.NewFromConfig(awsCfg), cfg.CloudSecretsPrefix)
	blobs := NewBlobStore(s3.NewFromConfig(awsCfg), cfg.CloudBucketName, "certificates")

	if cfg.AutoCreateResources {
		if err := certs.EnsureTable(ctx); err != nil {
			return nil, fmt.Errorf("cloud: provisioning failed: %w", err)
		}
		if err := blobs.EnsureBucket(ctx, cfg.CloudRegion); err != nil {
			return nil, fmt.Errorf("cloud: provisioning failed: %w", err)
		}
	}

	return &repository.Repositories{
		Certificates: certs,
		Secrets:      secrets,
		Blobs:        blobs,
	}, nil
}
