// Command apuntadord runs the device identity and OAuth broker control
// plane: the certificate authority, mTLS gateway, OAuth broker, device
// attestation, and enrollment coordinator behind a single HTTP server.
package main

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/impalah/apuntador-ctrlplane/pkg/apiserver"
	"github.com/impalah/apuntador-ctrlplane/pkg/attestation"
	"github.com/impalah/apuntador-ctrlplane/pkg/ca"
	"github.com/impalah/apuntador-ctrlplane/pkg/config"
	"github.com/impalah/apuntador-ctrlplane/pkg/enrollment"
	"github.com/impalah/apuntador-ctrlplane/pkg/health"
	"github.com/impalah/apuntador-ctrlplane/pkg/log"
	"github.com/impalah/apuntador-ctrlplane/pkg/metrics"
	"github.com/impalah/apuntador-ctrlplane/pkg/mtls"
	"github.com/impalah/apuntador-ctrlplane/pkg/oauth"
	"github.com/impalah/apuntador-ctrlplane/pkg/repository"
	_ "github.com/impalah/apuntador-ctrlplane/pkg/repository/cloud"
	_ "github.com/impalah/apuntador-ctrlplane/pkg/repository/localfs"
	"github.com/impalah/apuntador-ctrlplane/pkg/statetoken"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "apuntadord",
	Short:   "Device identity and cloud-storage OAuth broker control plane",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("apuntadord version %s (%s)\n", Version, Commit))
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(caCmd)
	caCmd.AddCommand(caInitCmd)
	caCmd.AddCommand(caShowCmd)
	rootCmd.AddCommand(certCmd)
	certCmd.AddCommand(certInspectCmd)
	certInspectCmd.Flags().String("device-id", "", "Device ID to look up (required)")
	certInspectCmd.MarkFlagRequired("device-id")
}

func loadConfig() (config.Config, error) {
	return config.Load()
}

func buildRepositories(ctx context.Context, cfg config.Config) (*repository.Repositories, error) {
	return repository.New(ctx, repository.FactoryConfig{
		Provider:            cfg.InfrastructureProvider,
		BaseDir:             cfg.InfrastructureBaseDir,
		CloudRegion:         cfg.CloudRegion,
		CloudTableName:      cfg.CloudTableName,
		CloudBucketName:     cfg.CloudBucketName,
		CloudSecretsPrefix:  cfg.CloudSecretsPrefix,
		AutoCreateResources: cfg.AutoCreateResources,
	})
}

func credentialsFromConfig(cfg config.Config) map[string]oauth.CredentialSet {
	creds := map[string]oauth.CredentialSet{}
	if cfg.GoogleClientID != "" {
		creds["googledrive"] = oauth.CredentialSet{
			ClientID: cfg.GoogleClientID, ClientSecret: cfg.GoogleClientSecret, RedirectURI: cfg.GoogleRedirectURI,
		}
	}
	if cfg.DropboxClientID != "" {
		creds["dropbox"] = oauth.CredentialSet{
			ClientID: cfg.DropboxClientID, ClientSecret: cfg.DropboxClientSecret, RedirectURI: cfg.DropboxRedirectURI,
		}
	}
	if cfg.OneDriveClientID != "" {
		creds["onedrive"] = oauth.CredentialSet{
			ClientID: cfg.OneDriveClientID, ClientSecret: cfg.OneDriveClientSecret, RedirectURI: cfg.OneDriveRedirectURI,
		}
	}
	return creds
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the control plane HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

		ctx := context.Background()
		repos, err := buildRepositories(ctx, cfg)
		if err != nil {
			return fmt.Errorf("build repositories: %w", err)
		}

		authority := ca.New(repos.Secrets, repos.Certificates)
		gateway := mtls.NewGateway(repos.Certificates, authority)
		stateCodec := statetoken.New(cfg.SecretKey)
		credentials := credentialsFromConfig(cfg)
		broker := oauth.NewBroker(credentials, stateCodec)
		attestCfg := attestation.Config{
			AppleTeamID:     cfg.AppleTeamID,
			AppleKeyID:      cfg.AppleKeyID,
			ApplePrivateKey: cfg.ApplePrivateKey,
		}
		attest := attestation.NewService(attestCfg, repos.Secrets)
		coordinator := enrollment.New(authority, repos.Certificates)

		srv := apiserver.New(cfg, authority, gateway, broker, attest, coordinator, credentials)

		collector := metrics.NewCollector(repos.Certificates, 30)
		collector.Start()
		defer collector.Stop()

		metrics.SetVersion(cfg.ProjectVersion)
		metrics.RegisterComponent("certificate_authority", true, "root keypair loaded")
		metrics.RegisterComponent("repository", true, cfg.InfrastructureProvider+" backend ready")
		metrics.RegisterComponent("api", true, "routes mounted")

		monitorCtx, stopMonitors := context.WithCancel(ctx)
		defer stopMonitors()
		for name, providerCfg := range oauth.Providers {
			if _, configured := credentials[name]; !configured {
				continue
			}
			checker := health.NewHTTPChecker(providerCfg.TokenURL).WithStatusRange(200, 499)
			go health.Watch(monitorCtx, "oauth_"+name, checker, health.Config{
				Interval: 60 * time.Second,
				Timeout:  5 * time.Second,
				Retries:  3,
			}, func(name string, status health.Status) {
				metrics.UpdateComponent(name, status.Healthy, status.LastResult.Message)
			})
		}

		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		errCh := make(chan error, 1)
		go func() {
			log.Info(fmt.Sprintf("listening on %s", addr))
			if err := srv.ListenAndServe(addr); err != nil {
				errCh <- err
			}
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("shutting down")
		case err := <-errCh:
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	},
}

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Certificate authority operations",
}

var caInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap the root certificate authority keypair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ctx := context.Background()
		repos, err := buildRepositories(ctx, cfg)
		if err != nil {
			return fmt.Errorf("build repositories: %w", err)
		}
		authority := ca.New(repos.Secrets, repos.Certificates)
		certPEM, err := authority.CertificatePEM(ctx)
		if err != nil {
			return fmt.Errorf("bootstrap CA: %w", err)
		}
		fmt.Println("✓ Certificate authority ready")
		fmt.Print(certPEM)
		return nil
	},
}

const certRotationThreshold = 30 * 24 * time.Hour

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Device certificate inspection",
}

var certInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show a device's current certificate and whether it needs renewal",
	RunE: func(cmd *cobra.Command, args []string) error {
		deviceID, _ := cmd.Flags().GetString("device-id")

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ctx := context.Background()
		repos, err := buildRepositories(ctx, cfg)
		if err != nil {
			return fmt.Errorf("build repositories: %w", err)
		}

		record, err := repos.Certificates.GetLatest(ctx, deviceID)
		if err != nil {
			return fmt.Errorf("look up certificate: %w", err)
		}
		if record == nil {
			fmt.Printf("no certificate on file for device %q\n", deviceID)
			return nil
		}

		block, _ := pem.Decode([]byte(record.CertificatePEM))
		if block == nil {
			return fmt.Errorf("stored certificate for %q is not valid PEM", deviceID)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("parse certificate: %w", err)
		}

		fmt.Printf("Device:    %s\n", record.DeviceID)
		fmt.Printf("Subject:   %s\n", cert.Subject.CommonName)
		fmt.Printf("Issuer:    %s\n", cert.Issuer.CommonName)
		fmt.Printf("Serial:    %s\n", record.Serial)
		fmt.Printf("Platform:  %s\n", record.Platform)
		fmt.Printf("Not before: %s\n", cert.NotBefore.Format(time.RFC3339))
		fmt.Printf("Not after:  %s\n", cert.NotAfter.Format(time.RFC3339))
		fmt.Printf("Revoked:   %v\n", record.Revoked)

		remaining := time.Until(cert.NotAfter)
		if remaining < certRotationThreshold {
			fmt.Printf("⚠ expires in %s, renewal recommended\n", remaining.Round(time.Hour))
		} else {
			fmt.Printf("expires in %s\n", remaining.Round(time.Hour))
		}
		return nil
	},
}

var caShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current CA certificate and its SPKI pin",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		ctx := context.Background()
		repos, err := buildRepositories(ctx, cfg)
		if err != nil {
			return fmt.Errorf("build repositories: %w", err)
		}
		authority := ca.New(repos.Secrets, repos.Certificates)
		certPEM, err := authority.CertificatePEM(ctx)
		if err != nil {
			return fmt.Errorf("load CA certificate: %w", err)
		}
		pin, err := authority.SPKIFingerprint(ctx)
		if err != nil {
			return fmt.Errorf("compute SPKI fingerprint: %w", err)
		}
		fmt.Print(certPEM)
		fmt.Printf("SPKI fingerprint (sha256): %s\n", pin)
		return nil
	},
}
