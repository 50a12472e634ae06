// Package storage provides S3 access for chant assets: the audio tracks and
// lyrics files attached to sessions.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

const (
	// MaxAssetFileSize is the maximum allowed size for asset uploads (50MB).
	MaxAssetFileSize = 50 * 1024 * 1024
	// FolderAudio is the S3 prefix for chant audio tracks.
	FolderAudio = "audio"
	// FolderLyrics is the S3 prefix for chant lyrics files.
	FolderLyrics = "lyrics"
)

// Allowed asset MIME types and extensions.
var (
	AllowedAudioTypes = map[string]string{
		"audio/mpeg": ".mp3",
		"audio/mp4":  ".m4a",
		"audio/aac":  ".aac",
		"audio/ogg":  ".ogg",
		"audio/wav":  ".wav",
	}
	AllowedLyricsTypes = map[string]string{
		"text/plain":       ".txt",
		"application/json": ".json",
	}
	AllowedAssetExtensions = map[string]string{
		".mp3":  "audio/mpeg",
		".m4a":  "audio/mp4",
		".aac":  "audio/aac",
		".ogg":  "audio/ogg",
		".wav":  "audio/wav",
		".txt":  "text/plain",
		".lrc":  "text/plain",
		".json": "application/json",
	}
)

// S3Config holds S3 client configuration.
type S3Config struct {
	Region               string
	AccessKeyID          string
	SecretAccessKey      string
	AssetsBucket         string
	PresignExpireMinutes int
}

// S3 provides asset storage with validation and pre-signed URLs.
type S3 struct {
	client   *s3.Client
	uploader *manager.Uploader
	cfg      S3Config
	logger   *zap.Logger
}

// NewS3 creates an S3 client using credentials from config or .env (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY).
func NewS3(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3, error) {
	accessKey := cfg.AccessKeyID
	secretKey := cfg.SecretAccessKey
	if accessKey == "" || secretKey == "" {
		accessKey = os.Getenv("AWS_ACCESS_KEY_ID")
		secretKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey, secretKey, "",
		)))
		if logger != nil {
			logger.Info("S3 client using credentials from .env/config",
				zap.String("region", cfg.Region), zap.String("assets_bucket", cfg.AssetsBucket))
		}
	} else if logger != nil {
		logger.Warn("S3 client using default credential chain (AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY not set)")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 5 * 1024 * 1024 // 5MB parts for streaming
	})
	return &S3{
		client:   client,
		uploader: uploader,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// ValidateAssetFileType returns true if the content type and/or extension are
// allowed for chant assets.
func ValidateAssetFileType(contentType, filename string) bool {
	ext := strings.ToLower(path.Ext(filename))
	if contentType != "" {
		ct := strings.ToLower(contentType)
		if _, ok := AllowedAudioTypes[ct]; ok {
			return true
		}
		if _, ok := AllowedLyricsTypes[ct]; ok {
			return true
		}
	}
	if ext != "" {
		if _, ok := AllowedAssetExtensions[ext]; ok {
			return true
		}
	}
	return false
}

// AudioKey returns the S3 object key for a session's audio track:
// audio/{session_id}/{filename}.
func AudioKey(sessionID, filename string) string {
	return path.Join(FolderAudio, sessionID, path.Base(filename))
}

// LyricsKey returns the S3 object key for a session's lyrics file:
// lyrics/{session_id}/{filename}.
func LyricsKey(sessionID, filename string) string {
	return path.Join(FolderLyrics, sessionID, path.Base(filename))
}

// PresignedUploadURL returns a pre-signed PUT URL for direct asset upload.
func (s *S3) PresignedUploadURL(ctx context.Context, key, contentType string, expires time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(s.client)
	req, err := presignClient.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.AssetsBucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("presign put: %w", err)
	}
	return req.URL, nil
}

// PresignedURL returns a pre-signed GET URL for an asset download.
func (s *S3) PresignedURL(ctx context.Context, key string, expires time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(s.client)
	req, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.AssetsBucket),
		Key:    aws.String(key),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expires
	})
	if err != nil {
		return "", fmt.Errorf("presign get: %w", err)
	}
	return req.URL, nil
}

// PresignExpire returns the configured presign duration.
func (s *S3) PresignExpire() time.Duration {
	if s.cfg.PresignExpireMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(s.cfg.PresignExpireMinutes) * time.Minute
}

// AssetsBucket returns the assets bucket name.
func (s *S3) AssetsBucket() string { return s.cfg.AssetsBucket }

// Upload streams a reader to the assets bucket (for server-side uploads).
func (s *S3) Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error) {
	var contentLengthPtr *int64
	if contentLength > 0 {
		contentLengthPtr = &contentLength
	}
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.AssetsBucket),
		Key:           aws.String(key),
		Body:          body,
		ContentType:   aws.String(contentType),
		ContentLength: contentLengthPtr,
	})
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.AssetsBucket, s.cfg.Region, key), nil
}

// DeleteObject removes an asset from the bucket.
func (s *S3) DeleteObject(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.AssetsBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// HeadObject returns object metadata if it exists.
func (s *S3) HeadObject(ctx context.Context, key string) (*s3.HeadObjectOutput, error) {
	return s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.AssetsBucket),
		Key:    aws.String(key),
	})
}

// ObjectExists reports whether an asset object is present in the bucket. A
// stored session key can point at an object that was never uploaded when the
// presigned PUT flow was abandoned; download paths check here before signing.
func (s *S3) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := s.HeadObject(ctx, key)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "NotFound", "NoSuchKey":
				return false, nil
			}
		}
		return false, fmt.Errorf("head object: %w", err)
	}
	return true, nil
}
