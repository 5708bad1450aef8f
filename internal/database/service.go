package database

import (
	"context"
	"database/sql"
	"time"

	"tenant-backup/internal/errors"
	"tenant-backup/internal/logging"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// Service opens and checks connections to the catalog database
type Service struct {
	connectionTimeout time.Duration
	logger            *logging.Logger
	retryHandler      *errors.RetryHandler
}

// NewService creates a new database service with default settings
func NewService(logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Service{
		connectionTimeout: 30 * time.Second,
		logger:            logger,
		retryHandler:      errors.NewDefaultRetryHandler(),
	}
}

// NewServiceWithOptions creates a new database service with custom retry options
func NewServiceWithOptions(logger *logging.Logger, timeout time.Duration, maxRetries int, retryDelay time.Duration) *Service {
	s := NewService(logger)
	s.connectionTimeout = timeout
	s.retryHandler = errors.NewRetryHandler(errors.RetryConfig{
		MaxAttempts: maxRetries,
		BaseDelay:   retryDelay,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
	})
	return s
}

// Connect opens a pooled connection to MySQL, retrying recoverable failures
func (s *Service) Connect(ctx context.Context, config DatabaseConfig) (*sql.DB, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, errors.NewAppError(errors.ErrorTypeValidation, "invalid database configuration", err)
	}

	startTime := time.Now()
	fields := map[string]interface{}{
		"host":     config.Host,
		"database": config.Database,
		"port":     config.Port,
	}
	s.logger.WithFields(fields).Info("Attempting database connection")

	ctx, cancel := context.WithTimeout(ctx, s.connectionTimeout)
	defer cancel()

	var db *sql.DB
	err := s.retryHandler.Retry(ctx, func() error {
		var openErr error
		db, openErr = sql.Open("mysql", config.DSN())
		if openErr != nil {
			return errors.WrapError(openErr, "failed to open database connection")
		}

		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
		db.SetConnMaxLifetime(config.ConnMaxLifetime)

		if pingErr := s.Ping(ctx, db); pingErr != nil {
			db.Close()
			return pingErr
		}
		return nil
	})

	fields["duration"] = time.Since(startTime).String()
	if err != nil {
		fields["error"] = err.Error()
		s.logger.WithFields(fields).Error("Database connection failed")
		return nil, err
	}

	s.logger.WithFields(fields).Info("Database connection established")
	return db, nil
}

// Ping verifies that the database connection is working
func (s *Service) Ping(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.NewAppError(errors.ErrorTypeValidation, "database connection is nil", nil)
	}

	if err := db.PingContext(ctx); err != nil {
		return errors.WrapError(err, "failed to ping database")
	}

	s.logger.Debug("Database connection test successful")
	return nil
}

// Close closes the database connection
func (s *Service) Close(db *sql.DB) error {
	if db == nil {
		return nil
	}

	if err := db.Close(); err != nil {
		s.logger.WithField("error", err.Error()).Error("Failed to close database connection")
		return errors.WrapError(err, "failed to close database connection")
	}

	s.logger.Debug("Database connection closed")
	return nil
}
