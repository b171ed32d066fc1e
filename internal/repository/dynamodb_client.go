package repository

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"assistant-memory/internal/domain"
)

const (
	skPrefixSnap = "SNAP#"
	skMeta       = "META#"
	defaultTTL   = 30 * 24 * time.Hour

	// maxBodyBytes keeps a compressed snapshot under the DynamoDB item limit
	// with room for the key attributes.
	maxBodyBytes = 380 * 1024
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Archiver is the snapshot archive consumed by the CLI and maintenance hook.
type Archiver interface {
	PutSnapshot(ctx context.Context, name string, body []byte, takenAt time.Time) error
	LatestSnapshot(ctx context.Context, name string) (Snapshot, error)
	ListSnapshots(ctx context.Context, name string, limit int) ([]SnapshotInfo, error)
	Meta(ctx context.Context, name string) (ArchiveMeta, error)
}

// SnapshotInfo describes one archived export without its body.
type SnapshotInfo struct {
	Name    string
	TakenAt time.Time
	Size    int
}

// Snapshot is an archived export. Body is the uncompressed JSON document.
type Snapshot struct {
	SnapshotInfo
	Body []byte
}

// ArchiveMeta tracks the newest snapshot and how many were written.
type ArchiveMeta struct {
	Name   string
	Latest time.Time
	Count  int
}

// Client stores exports of the data file in a DynamoDB table, one item per
// snapshot under a per-archive partition.
type Client struct {
	api       dynamodbAPI
	tableName string
	ttl       time.Duration
	now       func() time.Time
}

type Option func(*Client)

// WithTTL sets how long snapshots live before DynamoDB expires them.
func WithTTL(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.ttl = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	c := &Client{api: api, tableName: tableName, ttl: defaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// archivePK returns the partition key for an archive.
func archivePK(name string) string {
	return "ARCHIVE#" + name
}

// snapSK returns the sort key for a snapshot taken at ts.
func snapSK(ts time.Time) string {
	return skPrefixSnap + ts.UTC().Format(time.RFC3339Nano)
}

func (c *Client) ttlValue() int64 {
	return c.now().Add(c.ttl).Unix()
}

// PutSnapshot writes a compressed snapshot and bumps the archive metadata in
// one transaction. A second snapshot with the same timestamp is rejected.
func (c *Client) PutSnapshot(ctx context.Context, name string, body []byte, takenAt time.Time) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("repository: PutSnapshot: archive name is required")
	}
	if len(body) == 0 {
		return errors.New("repository: PutSnapshot: body is empty")
	}
	packed, err := compress(body)
	if err != nil {
		return fmt.Errorf("repository: PutSnapshot: %w", err)
	}
	if len(packed) > maxBodyBytes {
		return fmt.Errorf("repository: PutSnapshot: compressed body is %d bytes, limit %d", len(packed), maxBodyBytes)
	}

	pk := archivePK(name)
	sk := snapSK(takenAt)
	ttl := strconv.FormatInt(c.ttlValue(), 10)
	taken := takenAt.UTC().Format(time.RFC3339Nano)

	_, err = c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName: aws.String(c.tableName),
					Item: map[string]types.AttributeValue{
						"PK":      &types.AttributeValueMemberS{Value: pk},
						"SK":      &types.AttributeValueMemberS{Value: sk},
						"takenAt": &types.AttributeValueMemberS{Value: taken},
						"size":    &types.AttributeValueMemberN{Value: strconv.Itoa(len(body))},
						"body":    &types.AttributeValueMemberB{Value: packed},
						"ttl":     &types.AttributeValueMemberN{Value: ttl},
					},
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Update: &types.Update{
					TableName: aws.String(c.tableName),
					Key: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: pk},
						"SK": &types.AttributeValueMemberS{Value: skMeta},
					},
					UpdateExpression: aws.String("SET latest = :taken, #ttl = :ttl ADD snapshots :one"),
					ExpressionAttributeNames: map[string]string{
						"#ttl": "ttl",
					},
					ExpressionAttributeValues: map[string]types.AttributeValue{
						":taken": &types.AttributeValueMemberS{Value: taken},
						":ttl":   &types.AttributeValueMemberN{Value: ttl},
						":one":   &types.AttributeValueMemberN{Value: "1"},
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: PutSnapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the newest snapshot, or an error wrapping
// domain.ErrNotFound when the archive is empty.
func (c *Client) LatestSnapshot(ctx context.Context, name string) (Snapshot, error) {
	out, err := c.api.Query(ctx, snapshotQuery(c.tableName, name, 1, true))
	if err != nil {
		return Snapshot{}, fmt.Errorf("repository: LatestSnapshot query: %w", err)
	}
	if out == nil || len(out.Items) == 0 {
		return Snapshot{}, fmt.Errorf("repository: LatestSnapshot %q: %w", name, domain.ErrNotFound)
	}

	snap, err := itemToSnapshot(name, out.Items[0])
	if err != nil {
		return Snapshot{}, fmt.Errorf("repository: LatestSnapshot unmarshal: %w", err)
	}
	return snap, nil
}

// ListSnapshots returns up to limit snapshot descriptions, newest first.
func (c *Client) ListSnapshots(ctx context.Context, name string, limit int) ([]SnapshotInfo, error) {
	if limit <= 0 {
		limit = 10
	}
	out, err := c.api.Query(ctx, snapshotQuery(c.tableName, name, limit, false))
	if err != nil {
		return nil, fmt.Errorf("repository: ListSnapshots query: %w", err)
	}
	if out == nil {
		return nil, nil
	}

	infos := make([]SnapshotInfo, 0, len(out.Items))
	for _, item := range out.Items {
		info, err := itemToInfo(name, item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListSnapshots unmarshal: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Meta returns the archive metadata; an archive never written has Count 0.
func (c *Client) Meta(ctx context.Context, name string) (ArchiveMeta, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: archivePK(name)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return ArchiveMeta{}, fmt.Errorf("repository: Meta get item: %w", err)
	}
	meta := ArchiveMeta{Name: name}
	if out == nil || len(out.Item) == 0 {
		return meta, nil
	}

	count, err := intAttr(out.Item, "snapshots")
	if err != nil {
		return ArchiveMeta{}, fmt.Errorf("repository: Meta decode snapshots: %w", err)
	}
	latest, err := timeAttr(out.Item, "latest")
	if err != nil {
		return ArchiveMeta{}, fmt.Errorf("repository: Meta decode latest: %w", err)
	}
	meta.Count = count
	meta.Latest = latest
	return meta, nil
}

func snapshotQuery(table, name string, limit int, withBody bool) *dynamodb.QueryInput {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(table),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: archivePK(name)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixSnap},
		},
		// Newest first so LIMIT keeps the most recent snapshots.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}
	if !withBody {
		in.ProjectionExpression = aws.String("PK, SK, takenAt, #size")
		in.ExpressionAttributeNames = map[string]string{"#size": "size"}
	}
	return in
}

func itemToInfo(name string, item map[string]types.AttributeValue) (SnapshotInfo, error) {
	taken, err := timeAttr(item, "takenAt")
	if err != nil {
		return SnapshotInfo{}, err
	}
	size, err := intAttr(item, "size")
	if err != nil {
		return SnapshotInfo{}, err
	}
	return SnapshotInfo{Name: name, TakenAt: taken, Size: size}, nil
}

func itemToSnapshot(name string, item map[string]types.AttributeValue) (Snapshot, error) {
	info, err := itemToInfo(name, item)
	if err != nil {
		return Snapshot{}, err
	}
	v, ok := item["body"]
	if !ok {
		return Snapshot{}, errors.New("repository: missing attribute \"body\"")
	}
	b, ok := v.(*types.AttributeValueMemberB)
	if !ok {
		return Snapshot{}, errors.New("repository: attribute \"body\" is not binary")
	}
	body, err := decompress(b.Value)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{SnapshotInfo: info, Body: body}, nil
}

func compress(body []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(packed []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(packed))
	if err != nil {
		return nil, fmt.Errorf("repository: decompress body: %w", err)
	}
	defer zr.Close()
	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("repository: decompress body: %w", err)
	}
	return body, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func timeAttr(item map[string]types.AttributeValue, key string) (time.Time, error) {
	s, err := strAttr(item, key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return t, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
