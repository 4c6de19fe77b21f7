package root

import (
	"context"
	"io"
	"log/slog"

	"github.com/mathquest/mathquest-progress/config"
	"github.com/mathquest/mathquest-progress/internal/bootstrap"
	"github.com/mathquest/mathquest-progress/internal/domain/progression"
)

// quietLogger keeps library logs out of command output.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openBackend(ctx context.Context) (*config.Config, *bootstrap.Backend, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	backend, err := bootstrap.OpenLedger(ctx, cfg, quietLogger())
	if err != nil {
		return nil, nil, err
	}
	return cfg, backend, nil
}

// openLedger returns the ledger with retries and circuit breaking, without the
// Redis cache: operator reads always go to the database.
func openLedger(ctx context.Context) (progression.Ledger, func(), error) {
	cfg, backend, err := openBackend(ctx)
	if err != nil {
		return nil, nil, err
	}
	return bootstrap.WrapLedger(backend.Store, cfg, nil, quietLogger()), backend.Close, nil
}
