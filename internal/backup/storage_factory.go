package backup

import (
	"context"
	"errors"
	"fmt"
)

// ObjectLister is implemented by backends that can enumerate objects under a prefix
type ObjectLister interface {
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// NewStorageRegistryFromConfig creates a backend for every configured location.
// Unconfigured locations stay absent and resolve to a CONFIGURATION_ERROR.
func NewStorageRegistryFromConfig(ctx context.Context, config StorageConfig) (*StorageRegistry, error) {
	if err := config.Validate(); err != nil {
		return nil, NewValidationError("invalid storage configuration", err)
	}

	registry := NewStorageRegistry()
	var errs []error

	if config.Primary != nil {
		backend, err := NewS3StorageBackend(config.Primary)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", StorageLocationPrimary, err))
		} else {
			registry.Register(StorageLocationPrimary, backend)
		}
	}

	if config.SecondaryA != nil {
		backend, err := NewGCSStorageBackend(ctx, config.SecondaryA)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", StorageLocationSecondaryA, err))
		} else {
			registry.Register(StorageLocationSecondaryA, backend)
		}
	}

	if config.SecondaryB != nil {
		backend, err := NewAzureStorageBackend(config.SecondaryB)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", StorageLocationSecondaryB, err))
		} else {
			registry.Register(StorageLocationSecondaryB, backend)
		}
	}

	if config.Local != nil {
		backend, err := NewLocalStorageBackend(config.Local)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", StorageLocationLocalDisk, err))
		} else {
			registry.Register(StorageLocationLocalDisk, backend)
		}
	}

	for i := range config.Regions {
		region := config.Regions[i]
		backend, err := NewS3StorageBackend(&region.S3)
		if err != nil {
			errs = append(errs, fmt.Errorf("region %s: %w", region.Name, err))
			continue
		}
		registry.RegisterRegion(region.Name, backend)
	}

	if len(errs) > 0 {
		return nil, NewConfigurationError("failed to create storage backends", errors.Join(errs...))
	}
	return registry, nil
}
