package storage

import (
	"errors"
	"fmt"
)

// ErrProviderConfig is returned for an unusable provider configuration
var ErrProviderConfig = errors.New("invalid storage provider configuration")

// ProviderType represents the type of storage provider
type ProviderType string

const (
	// MemoryProviderType is an in-memory storage provider
	MemoryProviderType ProviderType = "memory"

	// DynamoDBProviderType is a DynamoDB storage provider
	DynamoDBProviderType ProviderType = "dynamodb"

	// PostgreSQLProviderType is a PostgreSQL storage provider
	PostgreSQLProviderType ProviderType = "postgresql"
)

// ProviderConfig contains configuration for storage providers
type ProviderConfig struct {
	// Type is the type of storage provider to create
	Type ProviderType

	// DynamoDB contains configuration for the DynamoDB provider
	DynamoDB *DynamoDBProviderConfig

	// PostgreSQL contains configuration for the PostgreSQL provider
	PostgreSQL *PostgreSQLProviderConfig
}

// postgresAlias is accepted in configuration files for PostgreSQLProviderType
const postgresAlias ProviderType = "postgres"

// NewProvider creates the storage provider selected by config.Type. The
// provider still has to be initialized before use.
func NewProvider(config ProviderConfig) (StorageProvider, error) {
	switch config.Type {
	case MemoryProviderType, "":
		return NewMemoryProvider(), nil

	case DynamoDBProviderType:
		if config.DynamoDB == nil {
			return nil, fmt.Errorf("%w: dynamodb settings are missing", ErrProviderConfig)
		}
		return NewDynamoDBProvider(*config.DynamoDB)

	case PostgreSQLProviderType, postgresAlias:
		if config.PostgreSQL == nil {
			return nil, fmt.Errorf("%w: postgresql settings are missing", ErrProviderConfig)
		}
		return NewPostgreSQLProvider(*config.PostgreSQL)

	default:
		return nil, fmt.Errorf("%w: unknown provider type %q", ErrProviderConfig, config.Type)
	}
}
