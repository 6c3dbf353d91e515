package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	defaultAddr          = ":8080"
	defaultGRPCAddr      = ":9090"
	defaultCredentialTTL = 600 * time.Second
	defaultAPDTimeout    = 4 * time.Second
)

// Config holds every runtime setting the service needs. It is assembled once
// at process start and passed by value; nothing mutates it afterwards.
type Config struct {
	Addr     string
	GRPCAddr string

	// IssuerDomain is the platform's canonical domain. It is both the `iss`
	// claim of every credential and the only valid PLATFORM item id.
	IssuerDomain string

	// SigningKeyPEM contains the ECDSA P-256 private key in PEM form.
	SigningKeyPEM string
	KeyID         string

	CredentialTTL time.Duration
	APDTimeout    time.Duration

	CatalogueURL string

	DirectoryURL          string
	DirectoryTokenURL     string
	DirectoryClientID     string
	DirectoryClientSecret string

	PGDSN string
}

// Load assembles the configuration from the environment.
func Load() (Config, error) {
	cfg := Config{
		Addr:          envOr("DEXHUB_ADDR", defaultAddr),
		GRPCAddr:      envOr("DEXHUB_GRPC_ADDR", defaultGRPCAddr),
		IssuerDomain:  strings.TrimSpace(os.Getenv("DEXHUB_ISSUER_DOMAIN")),
		KeyID:         strings.TrimSpace(os.Getenv("DEXHUB_KEY_ID")),
		CredentialTTL: defaultCredentialTTL,
		APDTimeout:    defaultAPDTimeout,
		CatalogueURL:  strings.TrimSpace(os.Getenv("DEXHUB_CATALOGUE_URL")),

		DirectoryURL:          strings.TrimSpace(os.Getenv("DEXHUB_DIRECTORY_URL")),
		DirectoryTokenURL:     strings.TrimSpace(os.Getenv("DEXHUB_DIRECTORY_TOKEN_URL")),
		DirectoryClientID:     strings.TrimSpace(os.Getenv("DEXHUB_DIRECTORY_CLIENT_ID")),
		DirectoryClientSecret: strings.TrimSpace(os.Getenv("DEXHUB_DIRECTORY_CLIENT_SECRET")),

		PGDSN: strings.TrimSpace(os.Getenv("DEXHUB_PG_DSN")),
	}

	if cfg.IssuerDomain == "" {
		return Config{}, errors.New("config: DEXHUB_ISSUER_DOMAIN is required")
	}
	if cfg.CatalogueURL == "" {
		return Config{}, errors.New("config: DEXHUB_CATALOGUE_URL is required")
	}
	if cfg.PGDSN == "" {
		return Config{}, errors.New("config: DEXHUB_PG_DSN is required")
	}

	keyFile := strings.TrimSpace(os.Getenv("DEXHUB_SIGNING_KEY_FILE"))
	if keyFile == "" {
		return Config{}, errors.New("config: DEXHUB_SIGNING_KEY_FILE is required")
	}
	pem, err := os.ReadFile(keyFile)
	if err != nil {
		return Config{}, fmt.Errorf("config: read signing key: %w", err)
	}
	cfg.SigningKeyPEM = string(pem)

	if ttl, err := durationEnv("DEXHUB_CREDENTIAL_TTL"); err != nil {
		return Config{}, err
	} else if ttl > 0 {
		cfg.CredentialTTL = ttl
	}
	if timeout, err := durationEnv("DEXHUB_APD_TIMEOUT"); err != nil {
		return Config{}, err
	} else if timeout > 0 {
		cfg.APDTimeout = timeout
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func durationEnv(key string) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: %s must be positive", key)
	}
	return d, nil
}
