package cmd

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"zkhealthpass/core"
	"zkhealthpass/core/apperr"
	"zkhealthpass/core/audit"
	"zkhealthpass/core/config"
	"zkhealthpass/core/logging"
	"zkhealthpass/core/metrics"
	"zkhealthpass/core/prover"
	"zkhealthpass/core/record"
	"zkhealthpass/core/storage"
	"zkhealthpass/core/validation"
	"zkhealthpass/core/zkproof"
)

// app is the wiring shared by every storage-backed command.
type app struct {
	cfg      config.Config
	log      *zap.Logger
	store    *storage.Storage
	records  *record.Service
	issuer   *zkproof.Issuer
	verifier *zkproof.Verifier
	audit    *audit.Log
	registry *prometheus.Registry
}

// openApp loads configuration, opens the store and builds the services.
// The prover defaults to nargo; "fake" swaps in the in-process prover.
func openApp(proverKind string) (*app, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := logging.New(cfg)
	if err != nil {
		return nil, err
	}
	dek, err := storage.ParseDEK(cfg.DEK)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.DataDir, dek, log)
	if err != nil {
		return nil, err
	}
	validator, err := validation.NewDetailsValidator(log)
	if err != nil {
		store.Close()
		return nil, err
	}

	var p prover.Prover
	switch proverKind {
	case "", "nargo":
		p = prover.NewNargoProver(prover.NargoConfig{
			Binary:      cfg.NargoBin,
			CircuitPath: cfg.CircuitPath,
			ScratchRoot: cfg.ScratchDir,
			Artifact:    cfg.ProverArtifact,
			Timeout:     cfg.ProverTimeout,
		}, log)
	case "fake":
		log.Warn("using the in-process fake prover; proofs are not zero-knowledge")
		p = &prover.Fake{}
	default:
		store.Close()
		return nil, apperr.Newf(apperr.KindBadInput, "unknown prover %q, want nargo or fake", proverKind)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	events := audit.NewZapEventLogger(log)
	return &app{
		cfg:      cfg,
		log:      log,
		store:    store,
		records:  record.NewService(store, core.NewEngine(), validator, log),
		issuer:   zkproof.NewIssuer(store, p, m, events, log),
		verifier: zkproof.NewVerifier(store, prover.AcceptingVerifier{}, m, events, log),
		audit:    audit.NewLog(store),
		registry: reg,
	}, nil
}

// Close flushes metrics to the textfile, if configured, and closes the store.
func (a *app) Close() error {
	var errs []error
	if a.cfg.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(a.cfg.MetricsFile, a.registry); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	_ = a.log.Sync()
	return errors.Join(errs...)
}
