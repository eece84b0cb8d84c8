// Package app assembles the control plane from configuration. The server and
// the CLI share it so both run the same wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"clawbrick/internal/agents"
	"clawbrick/internal/config"
	"clawbrick/internal/logger"
	"clawbrick/internal/provisioner"
	"clawbrick/internal/secret"
	"clawbrick/internal/store"
	"clawbrick/internal/tracer"
	"clawbrick/internal/vultr"
)

type App struct {
	Config     *config.Config
	Logger     *slog.Logger
	Store      store.AgentStore
	Agents     *agents.Service
	Reconciler *agents.Reconciler

	closers []func(context.Context) error
}

// OpenStore opens the backend named by cfg.Driver.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.AgentStore, error) {
	switch cfg.Driver {
	case "postgres":
		return store.OpenPostgres(ctx, cfg.DSN)
	case "sqlite":
		return store.OpenSQLite(cfg.Path)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: unknown store driver %q", config.ErrConfiguration, cfg.Driver)
	}
}

// New builds logger, tracer, store, executor and services from cfg. Call
// Close when done.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	if err := a.build(ctx); err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	a.Logger = log
	a.closers = append(a.closers, func(context.Context) error { return closeLog() })

	shutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, shutdown)

	key, err := cfg.Secrets.Key()
	if err != nil {
		return fmt.Errorf("%w: secrets: %v", config.ErrConfiguration, err)
	}
	codec, err := secret.NewCodec(key)
	if err != nil {
		return err
	}

	st, err := OpenStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	a.Store = st
	a.closers = append(a.closers, func(context.Context) error { return st.Close() })

	prov, err := provisioner.New(provisioner.Options{
		TemplateDir:    cfg.Terraform.TemplateDir,
		WorkDir:        cfg.Terraform.WorkDir,
		Binary:         cfg.Terraform.Binary,
		Logger:         log,
		InitTimeout:    cfg.Terraform.InitTimeout,
		ApplyTimeout:   cfg.Terraform.ApplyTimeout,
		OutputTimeout:  cfg.Terraform.OutputTimeout,
		DestroyTimeout: cfg.Terraform.DestroyTimeout,
	})
	if err != nil {
		return err
	}

	var ctrl agents.InstanceController
	if cfg.Vultr.RemoteLifecycle {
		c, err := vultr.New(ctx, vultr.Options{
			APIKey:  cfg.Vultr.APIKey,
			Timeout: cfg.Vultr.Timeout,
			Logger:  log,
		})
		if err != nil {
			return err
		}
		ctrl = c
	}

	p := cfg.Provisioning
	svc, err := agents.NewService(agents.Options{
		Store:      st,
		Executor:   prov,
		Codec:      codec,
		Controller: ctrl,
		Logger:     log,
		Settings: agents.Settings{
			CloudAPIKey:       cfg.Vultr.APIKey,
			Domain:            p.Domain,
			AdminEmail:        p.AdminEmail,
			ControlServer:     p.ControlServer,
			DefaultRegion:     p.DefaultRegion,
			DefaultPlan:       p.DefaultPlan,
			HeartbeatInterval: p.HeartbeatInterval,
			DestroyMode:       agents.DestroyMode(p.DestroyMode),
		},
	})
	if err != nil {
		return err
	}
	a.Agents = svc
	a.Reconciler = agents.NewReconciler(st, agents.ReconcilerOptions{StaleAfter: p.StaleAfter, Logger: log})

	log.Info("control plane assembled",
		"store", cfg.Store.Driver,
		"template_dir", cfg.Terraform.TemplateDir,
		"remote_lifecycle", cfg.Vultr.RemoteLifecycle,
		"destroy_mode", p.DestroyMode)
	return nil
}

// Close stops the reconciler, waits for background provisioning and
// teardown runs, then releases the store, tracer and log output.
func (a *App) Close(ctx context.Context) error {
	if a.Reconciler != nil {
		a.Reconciler.Stop()
	}
	if a.Agents != nil {
		a.Agents.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
