// Package localfs implements the LOCAL infrastructure provider: a
// CertificateStore, SecretStore, and BlobStore backed entirely by the
// filesystem, suitable for single-host and development deployments.
package localfs

import (
	"context"

	"github.com/impalah/apuntador-ctrlplane/pkg/repository"
)

func init() {
	repository.RegisterProvider("local", open)
}

func open(ctx context.Context, cfg repository.FactoryConfig) (*repository.Repositories, error) {
	return &repository.Repositories{
		Certificates: NewCertificateStore(cfg.BaseDir),
		Secrets:      NewSecretStore(cfg.BaseDir),
		Blobs:        NewBlobStore(cfg.BaseDir),
	}, nil
}
