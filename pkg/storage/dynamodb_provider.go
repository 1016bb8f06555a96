package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/tcmartin/flowconsole/pkg/models"
)

// DynamoDBProvider implements the StorageProvider interface using DynamoDB
type DynamoDBProvider struct {
	client      dynamodbiface.DynamoDBAPI
	flowStore   *DynamoDBFlowStore
	tablePrefix string
}

// DynamoDBProviderConfig contains configuration for the DynamoDB provider
type DynamoDBProviderConfig struct {
	Region      string
	AccessKey   string
	SecretKey   string
	TablePrefix string
	Endpoint    string // Optional, for local DynamoDB
}

// NewDynamoDBProvider creates a new DynamoDB storage provider
func NewDynamoDBProvider(config DynamoDBProviderConfig) (*DynamoDBProvider, error) {
	awsConfig := &aws.Config{
		Region: aws.String(config.Region),
	}

	if config.AccessKey != "" && config.SecretKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			config.AccessKey,
			config.SecretKey,
			"",
		)
	}

	if config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(config.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return NewDynamoDBProviderWithClient(dynamodb.New(sess), config.TablePrefix), nil
}

// NewDynamoDBProviderWithClient creates a new DynamoDB storage provider with a custom client
func NewDynamoDBProviderWithClient(client dynamodbiface.DynamoDBAPI, tablePrefix string) *DynamoDBProvider {
	return &DynamoDBProvider{
		client:      client,
		flowStore:   NewDynamoDBFlowStore(client, tablePrefix),
		tablePrefix: tablePrefix,
	}
}

// Initialize sets up the storage backend
func (p *DynamoDBProvider) Initialize() error {
	if err := p.flowStore.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize flow store: %w", err)
	}
	return nil
}

// Close cleans up resources
func (p *DynamoDBProvider) Close() error {
	// Nothing to close for DynamoDB client
	return nil
}

// GetFlowStore returns a store for flow definitions
func (p *DynamoDBProvider) GetFlowStore() FlowStore {
	return p.flowStore
}

// DynamoDBFlowStore implements the FlowStore interface using DynamoDB
type DynamoDBFlowStore struct {
	client        dynamodbiface.DynamoDBAPI
	flowsTable    string
	elementsTable string
	stateTable    string

	mu           sync.Mutex
	lastPosition int64
}

type dynamoDBFlowItem struct {
	FlowID     string `dynamodbav:"FlowID"`
	Name       string `dynamodbav:"Name"`
	CreatedAt  int64  `dynamodbav:"CreatedAt"`
	UpdatedAt  int64  `dynamodbav:"UpdatedAt"`
	Definition string `dynamodbav:"Definition"`
}

type dynamoDBElementItem struct {
	ElementID  string `dynamodbav:"ElementID"`
	Position   int64  `dynamodbav:"Position"`
	Definition string `dynamodbav:"Definition"`
}

type dynamoDBStateItem struct {
	Key   string `dynamodbav:"Key"`
	Value string `dynamodbav:"Value"`
}

// NewDynamoDBFlowStore creates a new DynamoDB flow store
func NewDynamoDBFlowStore(client dynamodbiface.DynamoDBAPI, tablePrefix string) *DynamoDBFlowStore {
	return &DynamoDBFlowStore{
		client:        client,
		flowsTable:    tablePrefix + "flows",
		elementsTable: tablePrefix + "elements",
		stateTable:    tablePrefix + "state",
	}
}

// Initialize creates the tables if they don't exist
func (s *DynamoDBFlowStore) Initialize() error {
	for table, key := range map[string]string{
		s.flowsTable:    "FlowID",
		s.elementsTable: "ElementID",
		s.stateTable:    "Key",
	} {
		if err := s.initializeTable(table, key); err != nil {
			return err
		}
	}
	return nil
}

// initializeTable creates a single hash-keyed table if it doesn't exist
func (s *DynamoDBFlowStore) initializeTable(tableName, hashKey string) error {
	_, err := s.client.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	})
	if err == nil {
		return nil
	}

	aerr, ok := err.(awserr.Error)
	if !ok || aerr.Code() != dynamodb.ErrCodeResourceNotFoundException {
		return fmt.Errorf("failed to check if table exists: %w", err)
	}

	_, err = s.client.CreateTable(&dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{
			{
				AttributeName: aws.String(hashKey),
				AttributeType: aws.String("S"),
			},
		},
		KeySchema: []*dynamodb.KeySchemaElement{
			{
				AttributeName: aws.String(hashKey),
				KeyType:       aws.String("HASH"),
			},
		},
		BillingMode: aws.String("PAY_PER_REQUEST"),
	})
	if err != nil {
		return fmt.Errorf("failed to create table %s: %w", tableName, err)
	}

	err = s.client.WaitUntilTableExists(&dynamodb.DescribeTableInput{
		TableName: aws.String(tableName),
	})
	if err != nil {
		return fmt.Errorf("failed to wait for table creation: %w", err)
	}

	return nil
}

// SaveFlow persists a flow definition
func (s *DynamoDBFlowStore) SaveFlow(flow models.Flow) error {
	definition, err := json.Marshal(flow)
	if err != nil {
		return fmt.Errorf("failed to marshal flow: %w", err)
	}

	item, err := dynamodbattribute.MarshalMap(dynamoDBFlowItem{
		FlowID:     flow.ID,
		Name:       flow.Name,
		CreatedAt:  flow.CreatedAt.UnixNano(),
		UpdatedAt:  flow.UpdatedAt.UnixNano(),
		Definition: string(definition),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal flow item: %w", err)
	}

	_, err = s.client.PutItem(&dynamodb.PutItemInput{
		TableName: aws.String(s.flowsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save flow: %w", err)
	}

	return nil
}

// GetFlow retrieves a flow definition
func (s *DynamoDBFlowStore) GetFlow(flowID string) (models.Flow, error) {
	result, err := s.client.GetItem(&dynamodb.GetItemInput{
		TableName: aws.String(s.flowsTable),
		Key: map[string]*dynamodb.AttributeValue{
			"FlowID": {S: aws.String(flowID)},
		},
	})
	if err != nil {
		return models.Flow{}, fmt.Errorf("failed to get flow: %w", err)
	}
	if result.Item == nil {
		return models.Flow{}, ErrFlowNotFound
	}

	var item dynamoDBFlowItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		return models.Flow{}, fmt.Errorf("failed to unmarshal flow item: %w", err)
	}
	return decodeFlow(item.Definition)
}

// ListFlows returns all flows ordered by creation time
func (s *DynamoDBFlowStore) ListFlows() ([]models.Flow, error) {
	result, err := s.client.Scan(&dynamodb.ScanInput{
		TableName: aws.String(s.flowsTable),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan flows: %w", err)
	}

	flows := make([]models.Flow, 0, len(result.Items))
	for _, raw := range result.Items {
		var item dynamoDBFlowItem
		if err := dynamodbattribute.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flow item: %w", err)
		}
		flow, err := decodeFlow(item.Definition)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}

	sortFlows(flows)
	return flows, nil
}

// DeleteFlow removes a flow definition
func (s *DynamoDBFlowStore) DeleteFlow(flowID string) error {
	if _, err := s.GetFlow(flowID); err != nil {
		return err
	}

	_, err := s.client.DeleteItem(&dynamodb.DeleteItemInput{
		TableName: aws.String(s.flowsTable),
		Key: map[string]*dynamodb.AttributeValue{
			"FlowID": {S: aws.String(flowID)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete flow: %w", err)
	}
	return nil
}

// SaveElement persists an element library entry, keeping its original position
func (s *DynamoDBFlowStore) SaveElement(element models.ElementSelector) error {
	position := s.nextPosition()
	existing, err := s.client.GetItem(&dynamodb.GetItemInput{
		TableName: aws.String(s.elementsTable),
		Key: map[string]*dynamodb.AttributeValue{
			"ElementID": {S: aws.String(element.ID)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to get element: %w", err)
	}
	if existing.Item != nil {
		var prev dynamoDBElementItem
		if err := dynamodbattribute.UnmarshalMap(existing.Item, &prev); err == nil {
			position = prev.Position
		}
	}

	definition, err := json.Marshal(element)
	if err != nil {
		return fmt.Errorf("failed to marshal element: %w", err)
	}

	item, err := dynamodbattribute.MarshalMap(dynamoDBElementItem{
		ElementID:  element.ID,
		Position:   position,
		Definition: string(definition),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal element item: %w", err)
	}

	_, err = s.client.PutItem(&dynamodb.PutItemInput{
		TableName: aws.String(s.elementsTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save element: %w", err)
	}
	return nil
}

// ListElements returns the element library in insertion order
func (s *DynamoDBFlowStore) ListElements() ([]models.ElementSelector, error) {
	result, err := s.client.Scan(&dynamodb.ScanInput{
		TableName: aws.String(s.elementsTable),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan elements: %w", err)
	}

	items := make([]dynamoDBElementItem, 0, len(result.Items))
	for _, raw := range result.Items {
		var item dynamoDBElementItem
		if err := dynamodbattribute.UnmarshalMap(raw, &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal element item: %w", err)
		}
		items = append(items, item)
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Position < items[j].Position
	})

	elements := make([]models.ElementSelector, 0, len(items))
	for _, item := range items {
		var element models.ElementSelector
		if err := json.Unmarshal([]byte(item.Definition), &element); err != nil {
			return nil, fmt.Errorf("failed to unmarshal element: %w", err)
		}
		elements = append(elements, element)
	}
	return elements, nil
}

// DeleteElement removes an element library entry
func (s *DynamoDBFlowStore) DeleteElement(elementID string) error {
	key := map[string]*dynamodb.AttributeValue{
		"ElementID": {S: aws.String(elementID)},
	}

	existing, err := s.client.GetItem(&dynamodb.GetItemInput{
		TableName: aws.String(s.elementsTable),
		Key:       key,
	})
	if err != nil {
		return fmt.Errorf("failed to get element: %w", err)
	}
	if existing.Item == nil {
		return ErrElementNotFound
	}

	_, err = s.client.DeleteItem(&dynamodb.DeleteItemInput{
		TableName: aws.String(s.elementsTable),
		Key:       key,
	})
	if err != nil {
		return fmt.Errorf("failed to delete element: %w", err)
	}
	return nil
}

// SetActiveFlowID records the active flow
func (s *DynamoDBFlowStore) SetActiveFlowID(flowID string) error {
	item, err := dynamodbattribute.MarshalMap(dynamoDBStateItem{Key: activeFlowKey, Value: flowID})
	if err != nil {
		return fmt.Errorf("failed to marshal state item: %w", err)
	}

	_, err = s.client.PutItem(&dynamodb.PutItemInput{
		TableName: aws.String(s.stateTable),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("failed to save active flow: %w", err)
	}
	return nil
}

// GetActiveFlowID returns the active flow
func (s *DynamoDBFlowStore) GetActiveFlowID() (string, error) {
	result, err := s.client.GetItem(&dynamodb.GetItemInput{
		TableName: aws.String(s.stateTable),
		Key: map[string]*dynamodb.AttributeValue{
			"Key": {S: aws.String(activeFlowKey)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to get active flow: %w", err)
	}
	if result.Item == nil {
		return "", nil
	}

	var item dynamoDBStateItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		return "", fmt.Errorf("failed to unmarshal state item: %w", err)
	}
	return item.Value, nil
}

// nextPosition returns a strictly increasing element position
func (s *DynamoDBFlowStore) nextPosition() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	position := time.Now().UnixNano()
	if position <= s.lastPosition {
		position = s.lastPosition + 1
	}
	s.lastPosition = position
	return position
}

func decodeFlow(definition string) (models.Flow, error) {
	var flow models.Flow
	if err := json.Unmarshal([]byte(definition), &flow); err != nil {
		return models.Flow{}, fmt.Errorf("failed to unmarshal flow: %w", err)
	}
	return flow, nil
}
