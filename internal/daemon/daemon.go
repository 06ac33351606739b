package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ItsAzM8/himmelblau/internal/broker"
	"github.com/ItsAzM8/himmelblau/internal/cache"
	"github.com/ItsAzM8/himmelblau/internal/config"
	"github.com/ItsAzM8/himmelblau/internal/identity"
	"github.com/ItsAzM8/himmelblau/internal/idp"
	"github.com/ItsAzM8/himmelblau/internal/instrumentation"
	"github.com/ItsAzM8/himmelblau/internal/ipc"
	"github.com/ItsAzM8/himmelblau/internal/sealing"
	"github.com/ItsAzM8/himmelblau/internal/tasks"
	"github.com/ItsAzM8/himmelblau/pkg/log"
	"github.com/ItsAzM8/himmelblau/pkg/poll"
)

const (
	socketMode      = 0660
	shutdownTimeout = 10 * time.Second
)

// Daemon assembles the broker: sealing backend, credential cache, provider
// client, arbiter and the shim-facing IPC server.
type Daemon struct {
	log *logrus.Logger
	cfg *config.Config
}

func New(logger *logrus.Logger, cfg *config.Config) *Daemon {
	return &Daemon{log: logger, cfg: cfg}
}

func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.Provider.Authority == "" {
		return fmt.Errorf("no identity provider configured; set provider in the config file")
	}

	sealer, err := sealing.Discover(
		sealingSelection(d.cfg.Sealing.Mode),
		d.cfg.Sealing.TPMDevice,
		d.cfg.Sealing.MachineKeyPath,
		log.NewPrefixLoggerFrom(d.log, "sealing"),
	)
	if err != nil {
		return fmt.Errorf("initializing sealing backend: %w", err)
	}
	defer sealer.Close()
	d.log.Infof("Sealing credentials with the %s backend", sealer.Mode())

	store, err := cache.Open(d.cfg.CacheDir, sealer, log.NewPrefixLoggerFrom(d.log, "cache"))
	if err != nil {
		return fmt.Errorf("opening credential cache: %w", err)
	}

	recordTTL := d.cfg.Cache.RecordTTL.D()
	if recordTTL <= 0 {
		recordTTL = config.DefaultRecordTTL
	}
	records, err := cache.NewRecordCache(filepath.Join(d.cfg.CacheDir, "records"), recordTTL, log.NewPrefixLoggerFrom(d.log, "records"))
	if err != nil {
		return fmt.Errorf("opening record cache: %w", err)
	}

	provider := idp.NewClient(idp.Config{
		Authority:    d.cfg.Provider.Authority,
		TenantID:     d.cfg.Provider.TenantID,
		ClientID:     d.cfg.Provider.ClientID,
		DirectoryURL: d.cfg.Provider.DirectoryURL,
		Scope:        d.cfg.Provider.Scope,
	}, log.NewPrefixLoggerFrom(d.log, "idp"))

	var metrics *instrumentation.Metrics
	if d.cfg.MetricsAddress != "" {
		metrics = instrumentation.NewMetrics()
	}

	arbiter := broker.New(
		store,
		records,
		sealer,
		provider,
		tasks.NewClient(d.cfg.TasksSocketPath),
		metrics,
		d.brokerOptions(),
		log.NewPrefixLoggerFrom(d.log, "broker"),
	)

	auth := &ipc.PeerAuth{
		AllowedUIDs:        append([]uint32{0}, d.cfg.Access.AllowedUIDs...),
		AllowedGID:         d.cfg.Access.SocketGroupGID,
		AllowedExePrefixes: d.cfg.Access.AllowedExePrefixes,
	}
	server := ipc.NewServer(d.cfg.SocketPath, socketMode, auth, arbiter, log.NewPrefixLoggerFrom(d.log, "ipc"))
	if err := server.Listen(); err != nil {
		return fmt.Errorf("binding broker socket: %w", err)
	}
	d.log.Infof("Listening on %s", d.cfg.SocketPath)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Serve(ctx)
	})
	if d.cfg.MetricsAddress != "" {
		metricsServer := instrumentation.NewMetricsServer(d.log, d.cfg.MetricsAddress, metrics)
		group.Go(func() error {
			return metricsServer.Run(ctx)
		})
	}

	err = group.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if closeErr := arbiter.Close(shutdownCtx); closeErr != nil && err == nil {
		err = closeErr
	}
	if closeErr := store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

func sealingSelection(mode string) sealing.Selection {
	if mode == "" {
		return sealing.SelectAuto
	}
	return sealing.Selection(mode)
}

func (d *Daemon) brokerOptions() broker.Options {
	cfg := d.cfg
	return broker.Options{
		DefaultTimeout: cfg.RequestTimeout.D(),
		Backoff: poll.Config{
			BaseDelay: cfg.Backoff.BaseDelay.D(),
			Factor:    cfg.Backoff.Factor,
			MaxDelay:  cfg.Backoff.MaxDelay.D(),
		},
		BackoffThreshold: cfg.Backoff.Threshold,
		BackoffWindow:    cfg.Backoff.Window.D(),
		Freshness: map[identity.CredentialKind]time.Duration{
			identity.KindPasswordVerifier: cfg.Cache.PasswordVerifierMaxAge.D(),
			identity.KindRefreshToken:     cfg.Cache.RefreshTokenMaxAge.D(),
			identity.KindKerberosTicket:   cfg.Cache.KerberosTicketMaxAge.D(),
		},
		OfflineAllowed: offlinePolicy(cfg.Cache.OfflinePasswordAuth),
		IDMapping:      identity.IDMapping{Min: cfg.IDRange.Min, Max: cfg.IDRange.Max},
		ApplyPolicies:  cfg.ApplyPolicy,
	}
}

func offlinePolicy(offlinePassword *bool) map[identity.CredentialKind]bool {
	if offlinePassword == nil {
		return nil
	}
	return map[identity.CredentialKind]bool{
		identity.KindPasswordVerifier: *offlinePassword,
	}
}
