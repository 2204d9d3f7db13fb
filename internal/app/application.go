// Package app wires the treasury service components together.
package app

import (
	"context"
	"fmt"

	"github.com/outpost-labs/treasury-service/internal/app/system"
	"github.com/outpost-labs/treasury-service/internal/chain"
	"github.com/outpost-labs/treasury-service/internal/config"
	"github.com/outpost-labs/treasury-service/internal/engine"
	"github.com/outpost-labs/treasury-service/internal/ledger"
	"github.com/outpost-labs/treasury-service/internal/signer"
	"github.com/outpost-labs/treasury-service/pkg/logger"
)

// Dependencies allows substituting external collaborators. Nil fields
// default to the real implementations built from configuration.
type Dependencies struct {
	Gateway engine.Gateway
	Signer  signer.Signer
}

// Application ties the ledger, engine and chain gateway together and manages
// the lifecycle of background components.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Config  *config.Config
	Ledger  *ledger.Ledger
	Gateway engine.Gateway
	Signer  signer.Signer
	Engine  *engine.Engine
}

// New builds a fully initialised application.
func New(cfg *config.Config, deps Dependencies, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	gw := deps.Gateway
	if gw == nil {
		client, err := chain.NewClient(chain.Config{
			RPCURL:       cfg.Chain.RPCURL,
			Timeout:      cfg.RequestTimeout(),
			PollInterval: cfg.PollInterval(),
		})
		if err != nil {
			return nil, fmt.Errorf("create chain client: %w", err)
		}
		gw = client
	}

	sg := deps.Signer
	if sg == nil {
		local, err := signer.NewLocal(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("create signer: %w", err)
		}
		sg = local
	}

	maxTransfer, err := cfg.MaxTransferWei()
	if err != nil {
		return nil, err
	}
	feeBuffer, err := cfg.FeeBufferWei()
	if err != nil {
		return nil, err
	}
	multiplier, err := cfg.GasPriceMultiplier()
	if err != nil {
		return nil, err
	}

	ldg := ledger.New(logger.New("ledger", cfg.Server.LogLevel))
	eng := engine.New(ldg, gw, sg, engine.Config{
		MaxTransfer:        maxTransfer,
		FeeBuffer:          feeBuffer,
		GasLimit:           cfg.Treasury.GasLimit,
		GasPriceMultiplier: multiplier,
		ConfirmTimeout:     cfg.ConfirmTimeout(),
	}, logger.New("engine", cfg.Server.LogLevel))

	manager := system.NewManager()
	reconciler := engine.NewReconciler(eng, cfg.ReconcileInterval(), logger.New("reconciler", cfg.Server.LogLevel))
	if err := manager.Register(reconciler); err != nil {
		return nil, fmt.Errorf("register reconciler: %w", err)
	}

	log.WithField("treasury", sg.Address().Hex()).Info("application initialised")

	return &Application{
		manager: manager,
		log:     log,
		Config:  cfg,
		Ledger:  ldg,
		Gateway: gw,
		Signer:  sg,
		Engine:  eng,
	}, nil
}

// Start begins all background components.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all background components.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}
