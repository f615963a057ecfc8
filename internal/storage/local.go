package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LocalStore 把媒体落到本地目录，适合开发与测试环境；签名地址由本服务的 /media 路由校验后回源。
type LocalStore struct {
	basePath      string
	publicBaseURL string
	secret        []byte
	dl            Downloader
	now           func() time.Time
}

var _ Storage = (*LocalStore)(nil)

func NewLocalStore(basePath string, publicBaseURL string, secret string, dl Downloader) (*LocalStore, error) {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil, errors.New("storage: 本地目录不能为空")
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("storage: 创建本地目录失败: %w", err)
	}
	return &LocalStore{
		basePath:      basePath,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		secret:        []byte(secret),
		dl:            dl,
		now:           time.Now,
	}, nil
}

func (s *LocalStore) UploadFromURL(ctx context.Context, key string, remoteURL string) (Upload, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return Upload{}, err
	}
	d, err := s.dl.open(ctx, remoteURL)
	if err != nil {
		return Upload{}, err
	}
	defer d.Body.Close()
	data, err := s.dl.readAll(d.Body)
	if err != nil {
		if errors.Is(err, ErrTooLarge) {
			return Upload{}, err
		}
		return Upload{}, fmt.Errorf("读取媒体失败: %w", err)
	}

	fullPath := s.fullPath(cleanKey)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return Upload{}, fmt.Errorf("storage: 创建目录失败: %w", err)
	}
	// 先写临时文件再改名，避免读到写了一半的文件。
	tmp := fullPath + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return Upload{}, fmt.Errorf("storage: 写入文件失败: %w", err)
	}
	if err := os.Rename(tmp, fullPath); err != nil {
		_ = os.Remove(tmp)
		return Upload{}, fmt.Errorf("storage: 写入文件失败: %w", err)
	}
	return Upload{Path: cleanKey, ContentType: d.ContentType, Bytes: int64(len(data))}, nil
}

// SignedURL 形如 {public}/media/{key}?expires=<unix>&sig=<hmac>。
func (s *LocalStore) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("sig", s.sign(cleanKey, expires))
	return s.publicBaseURL + "/media/" + cleanKey + "?" + q.Encode(), nil
}

// Open 校验签名后返回文件路径，供 HTTP 层回源。
func (s *LocalStore) Open(key string, expires string, sig string) (string, error) {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil || s.now().Unix() > exp {
		return "", ErrBadSignature
	}
	if !hmac.Equal([]byte(sig), []byte(s.sign(cleanKey, exp))) {
		return "", ErrBadSignature
	}
	p := s.fullPath(cleanKey)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	return p, nil
}

func (s *LocalStore) Delete(_ context.Context, key string) error {
	cleanKey, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	if err := os.Remove(s.fullPath(cleanKey)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: 删除文件失败: %w", err)
	}
	return nil
}

func (s *LocalStore) fullPath(cleanKey string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(cleanKey))
}

func (s *LocalStore) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte(key + "\n" + strconv.FormatInt(expires, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}

// sanitizeKey 规范化 key，禁止逃逸出存储根目录。
func sanitizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", errors.New("storage: key 不能为空")
	}
	key = strings.ReplaceAll(key, "\\", "/")
	key = strings.TrimPrefix(key, "./")
	key = strings.TrimLeft(key, "/")
	cleaned := filepath.ToSlash(filepath.Clean(key))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.New("storage: key 不合法")
	}
	return cleaned, nil
}
