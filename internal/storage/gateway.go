package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/maneesh/chunkdrop/internal/models"
)

// PublicPrefix is the key prefix of publicly readable objects
const PublicPrefix = "public/"

// Gateway is the object-storage contract the assembly core depends on.
//
// Exists reports false (not an error) for a missing key. Every other failure
// is returned as an error wrapping apperr.ErrStorage or apperr.ErrUploadFailed.
type Gateway interface {
	Exists(ctx context.Context, key string) (bool, error)
	PutObject(ctx context.Context, key string, data []byte, visibility models.Visibility) (string, error)
	GetObject(ctx context.Context, key string) ([]byte, error)
	InitiateMultipart(ctx context.Context, key string, visibility models.Visibility) (string, error)
	UploadPart(ctx context.Context, uploadID, key string, partNumber int, data []byte) (string, error)
	CompleteMultipart(ctx context.Context, uploadID, key string, parts []models.CompletedPart) error
	PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error)

	// AbortMultipart discards the parts of an unfinished upload
	AbortMultipart(ctx context.Context, uploadID, key string) error
	// RemoveObject deletes an object; a missing key is not an error
	RemoveObject(ctx context.Context, key string) error
	// PublicURL returns the permanent address of a public object
	PublicURL(key string) string
}

// ObjectKey returns the object key a file id is stored under
func ObjectKey(fileID string, visibility models.Visibility) string {
	if visibility == models.Public {
		return PublicPrefix + fileID
	}
	return fileID
}

// GatewayConfig carries the settings any gateway factory may need
type GatewayConfig struct {
	Type      string
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// validate checks the settings the remote gateways need
func (c GatewayConfig) validate(gatewayType string) error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket required for %s gateway", gatewayType)
	}
	if gatewayType == GatewayTypeMinIO && c.Endpoint == "" {
		return fmt.Errorf("endpoint required for %s gateway", gatewayType)
	}
	return nil
}

// GatewayFactory creates a Gateway from config
type GatewayFactory func(ctx context.Context, cfg GatewayConfig) (Gateway, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]GatewayFactory)
)

// RegisterGateway adds a factory for a gateway type
func RegisterGateway(name string, f GatewayFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// NewGateway creates a Gateway from config
func NewGateway(ctx context.Context, cfg GatewayConfig) (Gateway, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Type)
	}
	return f(ctx, cfg)
}

// GatewayTypes lists the registered gateway types
func GatewayTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
