package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/config"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/crypto"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/policy"
	"github.com/KyanBergeron4Runr/4Runr-AI-Agent-OS-sub002/pkg/storage"
)

// runDoctor validates the environment the way serve would consume it,
// without binding a socket: configuration, key material, policy bundle,
// and storage reachability.
func runDoctor(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return exitConfig
	}
	_, _ = fmt.Fprintln(stdout, "config: ok")

	if _, err := crypto.NewKeyring(cfg.KEK); err != nil {
		_, _ = fmt.Fprintf(stderr, "keyring: %v\n", err)
		return exitConfig
	}
	_, _ = fmt.Fprintln(stdout, "keyring: ok")

	if cfg.PolicyFile != "" {
		bundle, err := policy.Load(cfg.PolicyFile, version)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "policy: %v\n", err)
			return exitConfig
		}
		if _, err := policy.NewEngine(bundle, nil, nil, nil); err != nil {
			_, _ = fmt.Fprintf(stderr, "policy: %v\n", err)
			return exitConfig
		}
		_, _ = fmt.Fprintf(stdout, "policy: ok (bundle %s, %d rules)\n", bundle.Version, len(bundle.Rules))
	} else {
		_, _ = fmt.Fprintln(stdout, "policy: ok (compiled defaults)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "storage: %v\n", err)
		return exitRuntime
	}
	defer func() { _ = db.Close() }()
	_, _ = fmt.Fprintln(stdout, "storage: ok")

	if cfg.RedisURL != "" {
		quotas, err := policy.NewRedisQuota(ctx, cfg.RedisURL)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "redis: %v\n", err)
			return exitRuntime
		}
		_ = quotas.Close()
		_, _ = fmt.Fprintln(stdout, "redis: ok")
	}

	_, _ = fmt.Fprintln(stdout, "doctor: all checks passed")
	return exitOK
}
