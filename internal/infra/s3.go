package infra

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pii-encryption-service/config"
	"pii-encryption-service/internal/domain"
)

const s3Timeout = 30 * time.Second

// S3Store はS3互換ストレージに鍵バックアップを保存する。
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewS3Store はBACKUP_S3_*の設定からS3Storeを生成し、バケットが無ければ作成する。
func NewS3Store(ctx context.Context, cfg *config.Config) (*S3Store, error) {
	client, err := minio.New(cfg.BackupS3Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.BackupS3AccessKey, cfg.BackupS3SecretKey, ""),
		Secure: cfg.BackupS3UseSSL,
		Region: cfg.BackupS3Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating S3 client: %w", err)
	}

	s := &S3Store{
		client: client,
		bucket: cfg.BackupS3Bucket,
		prefix: strings.Trim(cfg.BackupS3Prefix, "/"),
	}

	ctx, cancel := context.WithTimeout(ctx, s3Timeout)
	defer cancel()
	if err := s.ensureBucket(ctx, cfg.BackupS3Region); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *S3Store) ensureBucket(ctx context.Context, region string) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", s.bucket, err)
	}
	return nil
}

// objectKey はバックアップ名をバケット内のキーに変換する。
func objectKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// backupName はバケット内のキーからバックアップ名を取り出す。
func backupName(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, prefix+"/")
}

// Put はバックアップを保存する。
func (s *S3Store) Put(ctx context.Context, name string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s3Timeout)
	defer cancel()

	_, err := s.client.PutObject(ctx, s.bucket, objectKey(s.prefix, name), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("putting object %s: %w", name, err)
	}
	return nil
}

// Get はバックアップを取得する。存在しない場合は domain.ErrBackupNotFound を返す。
func (s *S3Store) Get(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s3Timeout)
	defer cancel()

	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(s.prefix, name), minio.GetObjectOptions{})
	if err != nil {
		return nil, s.translate(name, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.translate(name, err)
	}
	return data, nil
}

func (s *S3Store) translate(name string, err error) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return fmt.Errorf("%w: %s", domain.ErrBackupNotFound, name)
	}
	return fmt.Errorf("getting object %s: %w", name, err)
}

// List はバックアップを新しい順に返す。
func (s *S3Store) List(ctx context.Context) ([]*domain.BackupInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, s3Timeout)
	defer cancel()

	listPrefix := ""
	if s.prefix != "" {
		listPrefix = s.prefix + "/"
	}
	var out []*domain.BackupInfo
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    listPrefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("listing objects: %w", object.Err)
		}
		if strings.HasSuffix(object.Key, "/") {
			continue
		}
		out = append(out, &domain.BackupInfo{
			Name:      backupName(s.prefix, object.Key),
			Size:      object.Size,
			CreatedAt: object.LastModified,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name > out[j].Name })
	return out, nil
}
