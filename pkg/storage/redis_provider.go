package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/tcmartin/flowconsole/pkg/models"
)

// RedisProvider implements the StorageProvider interface using Redis
type RedisProvider struct {
	client    *redis.Client
	flowStore *RedisFlowStore
}

// RedisProviderConfig contains configuration for the Redis provider
type RedisProviderConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisProvider creates a new Redis storage provider
func NewRedisProvider(config RedisProviderConfig) (*RedisProvider, error) {
	if config.Addr == "" {
		config.Addr = "localhost:6379"
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "flowconsole:"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisProvider{
		client:    client,
		flowStore: NewRedisFlowStore(client, config.KeyPrefix),
	}, nil
}

// Initialize sets up the storage backend
func (p *RedisProvider) Initialize() error {
	// Redis keys are created lazily
	return nil
}

// Close cleans up resources
func (p *RedisProvider) Close() error {
	return p.client.Close()
}

// GetFlowStore returns a store for flow definitions
func (p *RedisProvider) GetFlowStore() FlowStore {
	return p.flowStore
}

// RedisFlowStore implements the FlowStore interface using Redis hashes.
// Element order is kept in a sorted set scored by a monotonic counter.
type RedisFlowStore struct {
	client *redis.Client
	prefix string
}

// NewRedisFlowStore creates a new Redis flow store
func NewRedisFlowStore(client *redis.Client, prefix string) *RedisFlowStore {
	return &RedisFlowStore{client: client, prefix: prefix}
}

func (s *RedisFlowStore) key(name string) string {
	return s.prefix + name
}

// SaveFlow persists a flow definition
func (s *RedisFlowStore) SaveFlow(flow models.Flow) error {
	definition, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("failed to marshal flow: %w", err)
	}
	if err := s.client.HSet(context.Background(), s.key("flows"), flow.ID, definition).Err(); err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}
	return nil
}

// GetFlow retrieves a flow definition
func (s *RedisFlowStore) GetFlow(flowID string) (models.Flow, error) {
	definition, err := s.client.HGet(context.Background(), s.key("flows"), flowID).Result()
	if err == redis.Nil {
		return models.Flow{}, ErrFlowNotFound
	}
	if err != nil {
		return models.Flow{}, fmt.Errorf("failed to get flow: %w", err)
	}
	return decodeFlow(definition)
}

// ListFlows returns all flows ordered by creation time
func (s *RedisFlowStore) ListFlows() ([]models.Flow, error) {
	all, err := s.client.HGetAll(context.Background(), s.key("flows")).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list flows: %w", err)
	}

	flows := make([]models.Flow, 0, len(all))
	for _, definition := range all {
		flow, err := decodeFlow(definition)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}

	sortFlows(flows)
	return flows, nil
}

// DeleteFlow removes a flow definition
func (s *RedisFlowStore) DeleteFlow(flowID string) error {
	n, err := s.client.HDel(context.Background(), s.key("flows"), flowID).Result()
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	if n == 0 {
		return ErrFlowNotFound
	}
	return nil
}

// SaveElement persists an element library entry
func (s *RedisFlowStore) SaveElement(element models.ElementSelector) error {
	ctx := context.Background()

	definition, err := json.Marshal(element)
	if err != nil {
		return fmt.Errorf("failed to marshal element: %w", err)
	}

	seq, err := s.client.Incr(ctx, s.key("element_seq")).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate element position: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key("elements"), element.ID, definition)
		pipe.ZAddNX(ctx, s.key("element_order"), &redis.Z{Score: float64(seq), Member: element.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save element: %w", err)
	}
	return nil
}

// ListElements returns the element library in insertion order
func (s *RedisFlowStore) ListElements() ([]models.ElementSelector, error) {
	ctx := context.Background()

	ids, err := s.client.ZRange(ctx, s.key("element_order"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list elements: %w", err)
	}
	if len(ids) == 0 {
		return []models.ElementSelector{}, nil
	}

	values, err := s.client.HMGet(ctx, s.key("elements"), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get elements: %w", err)
	}

	elements := make([]models.ElementSelector, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var element models.ElementSelector
		if err := json.Unmarshal([]byte(raw), &element); err != nil {
			return nil, fmt.Errorf("failed to unmarshal element: %w", err)
		}
		elements = append(elements, element)
	}
	return elements, nil
}

// DeleteElement removes an element library entry
func (s *RedisFlowStore) DeleteElement(elementID string) error {
	ctx := context.Background()

	n, err := s.client.HDel(ctx, s.key("elements"), elementID).Result()
	if err != nil {
		return fmt.Errorf("failed to delete element: %w", err)
	}
	if n == 0 {
		return ErrElementNotFound
	}
	if err := s.client.ZRem(ctx, s.key("element_order"), elementID).Err(); err != nil {
		return fmt.Errorf("failed to delete element position: %w", err)
	}
	return nil
}

// SetActiveFlowID records the active flow
func (s *RedisFlowStore) SetActiveFlowID(flowID string) error {
	ctx := context.Background()

	var err error
	if flowID == "" {
		err = s.client.Del(ctx, s.key(activeFlowKey)).Err()
	} else {
		err = s.client.Set(ctx, s.key(activeFlowKey), flowID, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to save active flow: %w", err)
	}
	return nil
}

// GetActiveFlowID returns the active flow
func (s *RedisFlowStore) GetActiveFlowID() (string, error) {
	value, err := s.client.Get(context.Background(), s.key(activeFlowKey)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get active flow: %w", err)
	}
	return value, nil
}
