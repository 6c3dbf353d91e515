package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"dexhub.org/internal/access"
	"dexhub.org/internal/apd"
	"dexhub.org/internal/catalogue"
	"dexhub.org/internal/config"
	"dexhub.org/internal/credential"
	"dexhub.org/internal/directory"
	"dexhub.org/internal/httpapi"
	"dexhub.org/internal/obs"
	"dexhub.org/internal/store/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

// platformTokens adapts the issuer to the engine's token source.
type platformTokens struct {
	issuer *credential.Issuer
}

func (p platformTokens) PlatformToken(audience string) (string, error) {
	token, err := p.issuer.PlatformToken(audience)
	if err != nil {
		return "", err
	}
	return token.Value, nil
}

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	key, err := credential.ParseSigningKey(cfg.SigningKeyPEM)
	if err != nil {
		log.Fatalf("signing key: %v", err)
	}
	issuer, err := credential.NewIssuer(key, cfg.IssuerDomain,
		credential.WithTTL(cfg.CredentialTTL),
		credential.WithKeyID(cfg.KeyID))
	if err != nil {
		log.Fatalf("issuer: %v", err)
	}

	var introspectorOpts []credential.IntrospectorOption
	if cfg.DirectoryURL != "" {
		var dirOpts []directory.Option
		if cfg.DirectoryClientID != "" {
			dirOpts = append(dirOpts, directory.WithClientCredentials(
				cfg.DirectoryClientID, cfg.DirectoryClientSecret, cfg.DirectoryTokenURL))
		}
		introspectorOpts = append(introspectorOpts,
			credential.WithDirectory(directory.New(cfg.DirectoryURL, dirOpts...)))
	}
	introspector, err := credential.NewIntrospector(issuer.PublicKey(), cfg.IssuerDomain, introspectorOpts...)
	if err != nil {
		log.Fatalf("introspector: %v", err)
	}

	engine, err := access.NewEngine(
		catalogue.New(cfg.CatalogueURL, cfg.APDTimeout),
		apd.New(cfg.APDTimeout),
		platformTokens{issuer: issuer},
		cfg.IssuerDomain,
	)
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	store, err := pg.Open(cfg.PGDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}

	api := httpapi.New(store, engine, issuer, introspector, httpapi.ReadyProbe{DB: store.DB()}, version)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv, healthSrv := httpapi.NewGRPCServer()
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	log.Printf("Starting dexhub-api %s on %s (grpc %s)", version, srv.Addr, cfg.GRPCAddr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(grpcLis); err != nil {
			log.Fatalf("grpc serve: %v", err)
		}
	}()
	httpapi.SetServing(healthSrv, true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	httpapi.SetServing(healthSrv, false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	grpcSrv.GracefulStop()
	_ = store.Close()
	log.Println("Stopped")
}
