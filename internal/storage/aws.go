package storage

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// DynamoAPI is the subset of the DynamoDB client used by DynamoIndex.
type DynamoAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// S3Store writes archive objects to one bucket.
type S3Store struct {
	client S3API
	bucket string
}

func NewS3Store(client S3API, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

func (s *S3Store) PutObject(ctx context.Context, key, contentType string, body []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("putting object to S3: %w", err)
	}
	return nil
}

// DynamoIndex stores summaries in a single-table PK/SK layout.
type DynamoIndex struct {
	client DynamoAPI
	table  string
}

func NewDynamoIndex(client DynamoAPI, table string) *DynamoIndex {
	return &DynamoIndex{client: client, table: table}
}

func (d *DynamoIndex) PutSummary(ctx context.Context, sum Summary) error {
	av, err := attributevalue.MarshalMap(sum)
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}
	_, err = d.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("putting item to DynamoDB: %w", err)
	}
	return nil
}

// AWSConfig selects the bucket, optional summary table and credentials.
type AWSConfig struct {
	Bucket  string
	Table   string
	Region  string
	Profile string
	Prefix  string
}

// NewAWS builds an S3-backed archive, indexed in DynamoDB when a table is
// configured.
func NewAWS(ctx context.Context, cfg AWSConfig) (*Storage, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var index SummaryIndex
	if cfg.Table != "" {
		index = NewDynamoIndex(dynamodb.NewFromConfig(awsCfg), cfg.Table)
	}
	return New(NewS3Store(s3.NewFromConfig(awsCfg), cfg.Bucket), index, cfg.Prefix), nil
}
