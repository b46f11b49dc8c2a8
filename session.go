package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tonimelisma/gcs-go/internal/auth"
	"github.com/tonimelisma/gcs-go/internal/config"
	"github.com/tonimelisma/gcs-go/internal/gcs"
	"github.com/tonimelisma/gcs-go/internal/iam"
	"github.com/tonimelisma/gcs-go/internal/transfer"
	"github.com/tonimelisma/gcs-go/internal/transport"
)

// session bundles the clients one command needs. Close releases the token
// managers through the storage client.
type session struct {
	cfg     *config.Resolved
	logger  *slog.Logger
	tokens  *auth.Manager
	storage *gcs.Client
}

// newSession builds the credential, token manager, signer and storage client
// from the resolved config.
func newSession() (*session, error) {
	if resolvedCfg == nil {
		return nil, errors.New("config not loaded")
	}

	cfg := resolvedCfg
	logger := buildLogger()

	hc, err := transport.NewClient(transport.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		DataTimeout:    cfg.DataTimeout,
		ForceHTTP11:    cfg.Network.ForceHTTP11,
	})
	if err != nil {
		return nil, err
	}

	cred, err := auth.Detect(auth.DetectOptions{
		Token:            cfg.Auth.Token,
		CredentialsFile:  cfg.Auth.CredentialsFile,
		MetadataEndpoint: cfg.Auth.MetadataEndpoint,
		UseMetadata:      cfg.Auth.UseMetadata,
	})
	if err != nil {
		return nil, fmt.Errorf("detecting credentials: %w", err)
	}

	managerOpts := []auth.Option{auth.WithHTTPClient(hc), auth.WithLogger(logger)}
	if cfg.Auth.TokenCache != "" {
		managerOpts = append(managerOpts, auth.WithTokenCache(cfg.Auth.TokenCache))
	}

	tokens, err := auth.NewManager(cred, cfg.Auth.Scopes, managerOpts...)
	if err != nil {
		return nil, err
	}

	opts := []gcs.Option{
		gcs.WithEndpoint(cfg.Storage.Endpoint),
		gcs.WithHTTPClient(hc),
		gcs.WithLogger(logger),
		gcs.WithUserAgent(cfg.Network.UserAgent),
		gcs.WithChunkSize(cfg.ChunkSize),
		gcs.WithResumableThreshold(cfg.ResumableThreshold),
	}

	signer, email, err := newSigner(cfg, cred, hc, logger)
	if err != nil {
		_ = tokens.Close()
		return nil, err
	}

	if signer != nil {
		opts = append(opts, gcs.WithSigner(signer, email))
	}

	return &session{
		cfg:     cfg,
		logger:  logger,
		tokens:  tokens,
		storage: gcs.NewClient(tokens, opts...),
	}, nil
}

// newSigner picks the remote IAM signer when signer_email is configured, and
// otherwise signs locally with a service account key. Other credentials
// cannot sign; nil is returned.
func newSigner(
	cfg *config.Resolved, cred auth.Credential, hc *http.Client, logger *slog.Logger,
) (gcs.Signer, string, error) {
	if cfg.Auth.SignerEmail != "" {
		// The IAM API needs its own scope, so it gets its own manager.
		iamTokens, err := auth.NewManager(cred, []string{iam.Scope},
			auth.WithHTTPClient(hc), auth.WithLogger(logger))
		if err != nil {
			return nil, "", err
		}

		client := iam.NewClient(iamTokens,
			iam.WithHTTPClient(hc),
			iam.WithBaseURL(cfg.Auth.IAMEndpoint),
			iam.WithLogger(logger),
		)

		return client, cfg.Auth.SignerEmail, nil
	}

	if key, ok := cred.(*auth.ServiceAccountKey); ok {
		s := auth.NewKeySigner(key)
		return s, s.Email(), nil
	}

	return nil, "", nil
}

// transfers returns a transfer manager that persists upload sessions under
// the configured session directory.
func (s *session) transfers() *transfer.Manager {
	opts := []transfer.Option{
		transfer.WithResumableThreshold(s.cfg.ResumableThreshold),
		transfer.WithChunkSize(s.cfg.ChunkSize),
		transfer.WithBandwidthLimit(transfer.NewLimiter(s.cfg.BandwidthLimit, s.logger)),
	}

	if s.cfg.Transfers.SessionDir != "" {
		opts = append(opts, transfer.WithSessionStore(transfer.NewSessionStore(s.cfg.Transfers.SessionDir, s.logger)))
	}

	return transfer.NewManager(s.storage, s.storage, s.logger, opts...)
}

func (s *session) Close() error {
	return s.storage.Close()
}
