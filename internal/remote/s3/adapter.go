// Package s3 implements the remote adapter on an S3-compatible object store
// (AWS S3, MinIO). Object ETags serve as revision tokens; conditional writes
// (If-Match / If-None-Match) provide the optimistic concurrency.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/dmitrijs2005/keepsync/internal/common"
	"github.com/dmitrijs2005/keepsync/internal/remote"
)

const (
	itemsPrefix     = "items/"
	resourcesPrefix = "resources/"
	lockKey         = "lock.json"
	metaKey         = "meta.json"
)

// Options configures the adapter. Endpoint is optional and overrides the
// AWS endpoint for MinIO-style deployments.
type Options struct {
	Region    string
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
}

// Adapter talks to one bucket.
type Adapter struct {
	client *awss3.Client
	bucket string
}

// NewAdapter builds an S3 client the same way the rest of the project
// configures AWS: static credentials plus an optional base endpoint.
func NewAdapter(ctx context.Context, opts Options) (*Adapter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKey, opts.SecretKey, "")))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Adapter{client: client, bucket: opts.Bucket}, nil
}

func mapError(err error) error {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return common.ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return common.ErrRevisionConflict
		case "NoSuchKey", "NotFound":
			return common.ErrNotFound
		case "QuotaExceeded", "EntityTooLarge":
			return common.ErrQuotaExceeded
		}
	}
	return fmt.Errorf("%w: %v", common.ErrNetworkUnavailable, err)
}

func (a *Adapter) put(ctx context.Context, key string, body []byte, expectedRev string) (string, error) {
	in := &awss3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
	}
	if expectedRev == "" {
		in.IfNoneMatch = aws.String("*")
	} else {
		in.IfMatch = aws.String(expectedRev)
	}

	out, err := a.client.PutObject(ctx, in)
	if err != nil {
		return "", mapError(err)
	}
	return aws.ToString(out.ETag), nil
}

func (a *Adapter) Upload(ctx context.Context, item *remote.Item, expectedRev string) (string, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("marshal item: %w", err)
	}
	rev, err := a.put(ctx, itemsPrefix+item.ID+".json", body, expectedRev)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", item.ID, err)
	}
	return rev, nil
}

func (a *Adapter) Delete(ctx context.Context, id, expectedRev string) error {
	key := itemsPrefix + id + ".json"

	if expectedRev != "" {
		head, err := a.client.HeadObject(ctx, &awss3.HeadObjectInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			if errors.Is(mapError(err), common.ErrNotFound) {
				return nil // already gone
			}
			return mapError(err)
		}
		if aws.ToString(head.ETag) != expectedRev {
			return fmt.Errorf("delete %s: %w", id, common.ErrRevisionConflict)
		}
	}

	_, err := a.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, mapError(err))
	}
	return nil
}

func (a *Adapter) getObject(ctx context.Context, key string) ([]byte, string, error) {
	out, err := a.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", mapError(err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read object body: %v", common.ErrNetworkUnavailable, err)
	}
	return data, aws.ToString(out.ETag), nil
}

func (a *Adapter) Get(ctx context.Context, id string) (*remote.Item, error) {
	data, etag, err := a.getObject(ctx, itemsPrefix+id+".json")
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}

	var item remote.Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decode item %s: %w", id, err)
	}
	item.Rev = etag
	return &item, nil
}

// ListChangedSince lists items modified at or after the cursor (unix
// seconds). The boundary is inclusive: LastModified has one-second
// granularity, so a write landing in the same second as the cursor would
// otherwise never be listed. Re-listing an already-pulled entry is cheap
// because the puller skips changes whose rev matches the stored one.
// Pagination is handled internally; the returned page is complete.
func (a *Adapter) ListChangedSince(ctx context.Context, cursor string) (*remote.ChangePage, error) {
	var since int64
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad cursor %q: %w", cursor, err)
		}
		since = v
	}

	page := &remote.ChangePage{NextCursor: cursor}
	maxSeen := since

	paginator := awss3.NewListObjectsV2Paginator(a.client, &awss3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(itemsPrefix),
	})
	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapError(err)
		}
		for _, obj := range out.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			mod := aws.ToTime(obj.LastModified).Unix()
			if mod < since {
				continue
			}
			if mod > maxSeen {
				maxSeen = mod
			}
			id := strings.TrimSuffix(strings.TrimPrefix(key, itemsPrefix), ".json")
			page.Changes = append(page.Changes, remote.Change{ID: id, Rev: aws.ToString(obj.ETag)})
		}
	}

	if maxSeen > since {
		page.NextCursor = strconv.FormatInt(maxSeen, 10)
	}
	return page, nil
}

func (a *Adapter) DownloadResource(ctx context.Context, resourceID string) ([]byte, error) {
	data, _, err := a.getObject(ctx, resourcesPrefix+resourceID)
	if err != nil {
		return nil, fmt.Errorf("download resource %s: %w", resourceID, err)
	}
	return data, nil
}

type lockRecord struct {
	DeviceID  string `json:"device_id"`
	ExpiresAt int64  `json:"expires_at"`
}

func (a *Adapter) readLock(ctx context.Context) (*lockRecord, string, error) {
	data, etag, err := a.getObject(ctx, lockKey)
	if errors.Is(err, common.ErrNotFound) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	var rec lockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, "", fmt.Errorf("decode lock: %w", err)
	}
	return &rec, etag, nil
}

func (a *Adapter) AcquireLock(ctx context.Context, deviceID string, ttl time.Duration) error {
	current, rev, err := a.readLock(ctx)
	if err != nil {
		return err
	}
	if current != nil && current.DeviceID != deviceID && current.ExpiresAt > time.Now().UnixMilli() {
		return common.ErrRemoteLocked
	}

	body, err := json.Marshal(lockRecord{
		DeviceID:  deviceID,
		ExpiresAt: time.Now().Add(ttl).UnixMilli(),
	})
	if err != nil {
		return err
	}

	if _, err := a.put(ctx, lockKey, body, rev); err != nil {
		if errors.Is(err, common.ErrRevisionConflict) {
			return common.ErrRemoteLocked
		}
		return fmt.Errorf("acquire lock: %w", err)
	}
	return nil
}

func (a *Adapter) ReleaseLock(ctx context.Context, deviceID string) error {
	current, _, err := a.readLock(ctx)
	if err != nil {
		return err
	}
	if current == nil || current.DeviceID != deviceID {
		return nil
	}
	_, err = a.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(lockKey),
	})
	if err != nil {
		return fmt.Errorf("release lock: %w", mapError(err))
	}
	return nil
}

func (a *Adapter) GetMeta(ctx context.Context) (*remote.Meta, error) {
	data, _, err := a.getObject(ctx, metaKey)
	if errors.Is(err, common.ErrNotFound) {
		return &remote.Meta{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get meta: %w", err)
	}
	var meta remote.Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode meta: %w", err)
	}
	return &meta, nil
}

func (a *Adapter) PutMeta(ctx context.Context, meta *remote.Meta) error {
	body, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = a.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(metaKey),
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("put meta: %w", mapError(err))
	}
	return nil
}
