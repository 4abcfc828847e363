package tenant

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Source supplies the raw tenant list consumed by Registry.Reload.
type Source interface {
	Load(ctx context.Context) ([]Tenant, error)
}

// tenantsDoc is the on-disk / in-Redis configuration document.
type tenantsDoc struct {
	Tenants []Tenant `yaml:"tenants"`
}

// FileSource loads the tenant list from a YAML file.
type FileSource struct {
	Path string
}

// NewFileSource creates a file-backed tenant source.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Load implements Source.
func (s *FileSource) Load(_ context.Context) ([]Tenant, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file: %w", err)
	}
	return parseTenants(data)
}

// RedisSource loads the tenant list from a YAML document stored at a Redis
// key, for deployments that manage tenant configuration centrally.
type RedisSource struct {
	client *redis.Client
	key    string
}

// NewRedisSource creates a Redis-backed tenant source.
func NewRedisSource(client *redis.Client, key string) *RedisSource {
	if client == nil {
		panic("redis client cannot be nil")
	}
	return &RedisSource{client: client, key: key}
}

// Load implements Source.
func (s *RedisSource) Load(ctx context.Context) ([]Tenant, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("tenant configuration key %q not found", s.key)
		}
		return nil, fmt.Errorf("redis get %q: %w", s.key, err)
	}
	return parseTenants(data)
}

// StaticSource serves a fixed tenant list, mainly for tests and embedding.
type StaticSource []Tenant

// Load implements Source.
func (s StaticSource) Load(_ context.Context) ([]Tenant, error) {
	return s, nil
}

func parseTenants(data []byte) ([]Tenant, error) {
	var doc tenantsDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse tenant configuration: %w", err)
	}
	return doc.Tenants, nil
}
