package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/qubic-go/coreclient/pkg/coreclient/core"
	"github.com/qubic-go/coreclient/pkg/coreclient/crypto"
	"github.com/qubic-go/coreclient/pkg/coreclient/definition"
	"github.com/qubic-go/coreclient/pkg/coreclient/metrics"
	"github.com/qubic-go/coreclient/pkg/coreclient/transfer"
	"github.com/qubic-go/coreclient/pkg/coreclient/types"
)

func runCmd(cfgFile *string) *cobra.Command {
	var (
		computors     []string
		dbPath        string
		adminKeyHex   string
		syncInterval  time.Duration
		reconnectWait time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the configured computors and track sync level",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := bindViper(*cfgFile, cmd)
			if err != nil {
				return err
			}

			if v.IsSet("computors") {
				computors = v.GetStringSlice("computors")
			}
			if v.IsSet("db-path") {
				dbPath = v.GetString("db-path")
			}
			if v.IsSet("admin-key") {
				adminKeyHex = v.GetString("admin-key")
			}

			return runClient(runOptions{
				computors:     computors,
				dbPath:        dbPath,
				adminKeyHex:   adminKeyHex,
				syncInterval:  syncInterval,
				reconnectWait: reconnectWait,
			})
		},
	}

	cmd.Flags().StringSliceVar(&computors, "computor", nil, "computor endpoint URL (repeatable)")
	cmd.Flags().StringVar(&dbPath, "db-path", "lightclientd.db", "path to the durable outbox file")
	cmd.Flags().StringVar(&adminKeyHex, "admin-key", "", "hex-encoded 32-byte admin schnorrq public key")
	cmd.Flags().DurationVar(&syncInterval, "sync-interval", 10*time.Second, "watchdog staleness interval")
	cmd.Flags().DurationVar(&reconnectWait, "reconnect-wait", types.DefaultReconnectTimeout, "fixed peer reconnect delay")

	return cmd
}

type runOptions struct {
	computors     []string
	dbPath        string
	adminKeyHex   string
	syncInterval  time.Duration
	reconnectWait time.Duration
}

func runClient(opts runOptions) error {
	if len(opts.computors) == 0 {
		return fmt.Errorf("at least one --computor is required")
	}

	var adminKey [32]byte
	if opts.adminKeyHex != "" {
		raw, err := hex.DecodeString(opts.adminKeyHex)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("--admin-key must be 32 hex-encoded bytes")
		}
		copy(adminKey[:], raw)
	}

	log := definition.NewLogger()
	if l, ok := log.(interface{ SetLevel(logrus.Level) }); ok {
		l.SetLevel(logrus.InfoLevel)
	}

	endpoints := make([]types.ComputorEndpoint, len(opts.computors))
	for i, url := range opts.computors {
		endpoints[i] = types.ComputorEndpoint{URL: url}
	}

	cfg := types.ClientConfiguration{
		Configuration: types.Configuration{
			Computors:                endpoints,
			SynchronizationInterval: opts.syncInterval,
			AdminPublicKey:          adminKey,
			ReconnectTimeoutDuration: opts.reconnectWait,
		},
		DBPath: opts.dbPath,
	}

	reg := metrics.NewRegistry(nil)

	// schnorrq verification is out of scope for the core (spec.md §1);
	// this binary wires crypto.NeverVerifies until an operator supplies
	// a real implementation, so a deployed node never credits a peer's
	// claimed sync level without one.
	verifier := crypto.NeverVerifies

	// transfer construction is likewise out of scope; this binary wires
	// a Builder that always returns an error, so SubmitTransfer fails
	// until an operator injects a real one at the call site (see
	// pkg/coreclient/core.NewClient).
	builder := transfer.BuilderFunc(func(req types.TransferRequest) (types.TransferResult, error) {
		return types.TransferResult{}, fmt.Errorf("lightclientd: no transfer builder configured")
	})

	client, err := core.NewClient(cfg, verifier, builder, nil, log, reg)
	if err != nil {
		return fmt.Errorf("building client: %w", err)
	}

	client.Bus().AddListener(types.EventInfo, func(ev types.Event) {
		log.Infof("sync level now %d (epoch=%d tick=%d)", ev.SyncStatus, ev.Epoch, ev.Tick)
	})
	client.Bus().AddListener(types.EventError, func(ev types.Event) {
		log.Warnf("peer %s error: %v", ev.Endpoint, ev.Err)
	})
	client.Bus().AddListener(types.EventInclusion, func(ev types.Event) {
		log.Infof("transfer %s included at epoch=%d tick=%d", ev.MessageDigest, ev.Epoch, ev.Tick)
	})
	client.Bus().AddListener(types.EventRejection, func(ev types.Event) {
		log.Warnf("transfer %s rejected: %s", ev.MessageDigest, ev.Reason)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("starting client: %w", err)
	}
	defer client.Close()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	client.Terminate()
	return nil
}
