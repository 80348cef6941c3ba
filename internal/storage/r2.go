// Package storage はプロフィール画像をS3互換オブジェクトストレージ（Cloudflare R2）に保存する。
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
)

// ObjectAPI はAvatarStoreが使用するS3操作。*s3.Clientが満たす。
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// R2Config はR2への接続設定。
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicBaseURL   string // 例: https://pub-xxxx.r2.dev。空の場合はAPIエンドポイントのURLを返す
}

func (c R2Config) endpoint() string {
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.AccountID)
}

// AvatarStore はアバター画像のアップロードと削除を行う。
type AvatarStore struct {
	api     ObjectAPI
	bucket  string
	baseURL string
}

// NewR2AvatarStore はR2用に設定したS3クライアントでAvatarStoreを生成する。
// R2はリージョンを使わないため "auto" を指定する。
func NewR2AvatarStore(ctx context.Context, cfg R2Config) (*AvatarStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load R2 config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.endpoint())
		o.UsePathStyle = true
		// R2は一部のチェックサムヘッダーに未対応
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return NewAvatarStore(client, cfg), nil
}

// NewAvatarStore は任意のObjectAPIでAvatarStoreを生成する。
func NewAvatarStore(api ObjectAPI, cfg R2Config) *AvatarStore {
	base := strings.TrimRight(cfg.PublicBaseURL, "/")
	if base == "" {
		base = cfg.endpoint() + "/" + cfg.Bucket
	}
	return &AvatarStore{api: api, bucket: cfg.Bucket, baseURL: base}
}

// AvatarKey はオブジェクトキー images/<userID>/<uuid>.<ext> を生成する。
// 拡張子はファイル名から取り、なければ付けない。
func AvatarKey(userID, filename string) string {
	key := fmt.Sprintf("images/%s/%s", userID, strings.ReplaceAll(uuid.New().String(), "-", ""))
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if ext != "" && isSafeExt(ext) {
		key += "." + ext
	}
	return key
}

func isSafeExt(ext string) bool {
	if len(ext) > 5 {
		return false
	}
	for _, r := range ext {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}

// Upload はオブジェクトを保存し、公開URLを返す。
func (s *AvatarStore) Upload(ctx context.Context, key string, body io.Reader, contentType string) (string, error) {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload object %s: %w", key, err)
	}
	return s.PublicURL(key), nil
}

// Delete はオブジェクトを削除する。
func (s *AvatarStore) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// PublicURL はキーに対応する公開URLを返す。
func (s *AvatarStore) PublicURL(key string) string {
	return s.baseURL + "/" + key
}

// KeyFromURL はこのストアが発行したURLからキーを取り出す。
// 外部URLの場合はfalseを返す。
func (s *AvatarStore) KeyFromURL(rawURL string) (string, bool) {
	prefix := s.baseURL + "/"
	if !strings.HasPrefix(rawURL, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(rawURL, prefix)
	if key == "" {
		return "", false
	}
	return key, true
}
