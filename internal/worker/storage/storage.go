package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/gridmaster/etm-worker/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

// Storage applies job state updates to the scenario database.
//
// The update statement is supplied by the schema owner and uses named
// parameters matching the job's message fields, e.g. :scenarioId and
// :etmResultLocation.
type Storage struct {
	db        *sqlx.DB
	statement string
	logger    *slog.Logger
}

// LoadStatement reads a templated SQL statement from path
func LoadStatement(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read statement file: %w", err)
	}

	statement := strings.TrimSpace(string(data))
	if statement == "" {
		return "", fmt.Errorf("statement file %s is empty", path)
	}
	return statement, nil
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, statement string, logger *slog.Logger) *Storage {
	return &Storage{
		db:        db,
		statement: statement,
		logger:    logger,
	}
}

// UpdateJobState writes the job's etm stage fields to its scenario row
func (s *Storage) UpdateJobState(ctx context.Context, job *domain.Job) error {
	if !job.Processed() {
		return fmt.Errorf("failed to update job state: %w", domain.ErrIncompleteJob)
	}

	result, err := s.db.NamedExecContext(ctx, s.statement, job)
	if err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job state update - no rows affected (scenario may not exist)",
			slog.String("scenario_id", job.ScenarioID),
		)
		return nil
	}

	s.logger.Info("Job state updated",
		slog.String("scenario_id", job.ScenarioID),
		slog.String("calculation_state", job.CalculationState),
	)

	return nil
}
