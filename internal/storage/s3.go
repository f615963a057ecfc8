package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

type S3Options struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
}

// S3Store 面向 S3 兼容对象存储（R2/MinIO 等），签名地址由预签名 GET 生成。
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	dl      Downloader
}

var _ Storage = (*S3Store)(nil)

func NewS3Store(ctx context.Context, opts S3Options, dl Downloader) (*S3Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKey, opts.SecretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("加载 S3 配置失败: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  opts.Bucket,
		dl:      dl,
	}, nil
}

func (s *S3Store) UploadFromURL(ctx context.Context, key string, remoteURL string) (Upload, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return Upload{}, err
	}
	d, err := s.dl.open(ctx, remoteURL)
	if err != nil {
		return Upload{}, err
	}
	defer d.Body.Close()
	// PutObject 需要可 Seek 的 body 才能计算签名，这里整体读入内存（受 MaxBytes 约束）。
	data, err := s.dl.readAll(d.Body)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return Upload{}, err
		}
		return Upload{}, fmt.Errorf("读取媒体失败: %w", err)
	}
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(cleanKey),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(d.ContentType),
		ContentLength: aws.Int64(int64(len(data))),
	}); err != nil {
		return Upload{}, fmt.Errorf("上传 S3 失败: %w", err)
	}
	return Upload{Path: cleanKey, ContentType: d.ContentType, Bytes: int64(len(data))}, nil
}

func (s *S3Store) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("生成预签名地址失败: %w", err)
	}
	return req.URL, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		if isS3NotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("删除 S3 对象失败: %w", err)
	}
	return nil
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
