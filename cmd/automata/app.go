package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/automata/internal/actions"
	"github.com/rendis/automata/internal/engine"
	"github.com/rendis/automata/internal/expressions"
	"github.com/rendis/automata/internal/ledger"
	"github.com/rendis/automata/internal/logging"
	"github.com/rendis/automata/internal/service"
	"github.com/rendis/automata/internal/stepschema"
	"github.com/rendis/automata/internal/store"
	"github.com/rendis/automata/internal/validation"
)

// app is the wired component graph shared by the commands.
type app struct {
	cfg         Config
	logger      *slog.Logger
	store       *store.LibSQLStore
	interpreter *engine.Interpreter
	validator   *validation.Validator
	service     *service.Service
}

func newLogger(cfg Config) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.slogLevel()})
	return slog.New(logging.NewCorrelationHandler(handler))
}

// newValidator builds a validator over the built-in actions without opening a store.
func newValidator(deps actions.BuiltinDeps) (*actions.Registry, *stepschema.Registry, *expressions.Engines, *validation.Validator, error) {
	reg := actions.NewRegistry()
	if err := actions.RegisterBuiltins(reg, deps); err != nil {
		return nil, nil, nil, nil, err
	}
	engines, err := expressions.NewEngines()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	schemas := stepschema.NewRegistry(reg)
	v, err := validation.New(schemas, reg, engines)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return reg, schemas, engines, v, nil
}

// openApp opens and migrates the store and wires the engine around it.
// dispatcher may be nil; executions are then only driven by explicit Drive calls.
func openApp(ctx context.Context, cfg Config, logger *slog.Logger, dispatcher func(*engine.Interpreter) service.Dispatcher) (*app, error) {
	if !strings.Contains(cfg.DSN(), "://") {
		if err := os.MkdirAll(filepath.Dir(strings.TrimPrefix(cfg.DSN(), "file:")), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	s, err := store.NewLibSQLStore(cfg.DSN())
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	l := ledger.New(s, ledger.Config{ScanLimit: cfg.ScanLimit, Logger: logger})
	reg, schemas, engines, v, err := newValidator(actions.BuiltinDeps{
		Ledger: l,
		HTTP:   actions.HTTPConfig{AllowedHosts: cfg.HTTPAllowedHosts},
		Logger: logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	blobs := store.NewLibSQLBlobStore(s, "")
	in, err := engine.NewInterpreter(engine.Deps{
		Store:   s,
		Blobs:   blobs,
		Actions: reg,
		Schemas: schemas,
		Engines: engines,
	}, engine.Config{
		InlineCeilingBytes: cfg.InlineCeilingBytes,
		LLMTimeout:         cfg.llmTimeout(),
		Logger:             logger,
	})
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	deps := service.Deps{
		Store:       s,
		Blobs:       blobs,
		Interpreter: in,
		Validator:   v,
		Logger:      logger,
		RunContext:  ctx,
	}
	if dispatcher != nil {
		deps.Dispatcher = dispatcher(in)
	}
	svc, err := service.New(deps)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	return &app{
		cfg:         cfg,
		logger:      logger,
		store:       s,
		interpreter: in,
		validator:   v,
		service:     svc,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}
