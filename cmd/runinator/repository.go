package main

import (
	"fmt"

	"github.com/runinator/runinator/internal/config"
	"github.com/runinator/runinator/internal/repository"
	"github.com/runinator/runinator/internal/repository/sqlite"
	"github.com/runinator/runinator/internal/webservice"
)

// openRepository selects the durable or in-memory TaskRepository per
// the repository.driver config key. The returned value also satisfies
// webservice.Store, so the same call serves every subcommand that
// touches persistence.
func openRepository(cfg config.RepositoryConfig) (webservice.Store, func() error, error) {
	switch cfg.Driver {
	case "sqlite":
		repo, err := sqlite.Open(cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open repository: %w", err)
		}
		return repo, repo.Close, nil
	case "memory", "":
		return repository.NewInMemory(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("failed to open repository: unknown driver %q", cfg.Driver)
	}
}
