// Package storage 把上游返回的临时媒体地址转存到自有存储（S3 兼容对象存储或本地目录），并签发访问地址。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"genforge/internal/security"
)

// Storage 是完成处理器依赖的存储接口；实现需要可并发调用。
type Storage interface {
	UploadFromURL(ctx context.Context, key string, remoteURL string) (Upload, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// Upload 是一次转存的结果，Path 为存储内的相对 key。
type Upload struct {
	Path        string
	ContentType string
	Bytes       int64
}

var (
	ErrNotFound = errors.New("存储对象不存在")
	ErrTooLarge = errors.New("媒体文件超过大小上限")
	// ErrBadSignature 表示访问地址签名无效或已过期。
	ErrBadSignature = errors.New("签名无效或已过期")
)

// ObjectKey 生成产物的存储 key：{account}/{job}/{artifact}{ext}。
func ObjectKey(accountID int64, jobID string, artifactID string, contentType string, remoteURL string) string {
	return strconv.FormatInt(accountID, 10) + "/" + jobID + "/" + artifactID + extensionFor(contentType, remoteURL)
}

func extensionFor(contentType string, remoteURL string) string {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "image/png":
			return ".png"
		case "image/jpeg":
			return ".jpg"
		case "image/webp":
			return ".webp"
		case "video/mp4":
			return ".mp4"
		case "video/webm":
			return ".webm"
		}
	}
	if u := strings.SplitN(remoteURL, "?", 2)[0]; u != "" {
		ext := strings.ToLower(path.Ext(u))
		if len(ext) > 1 && len(ext) <= 6 {
			return ext
		}
	}
	return ""
}

// Downloader 按 URLPolicy 校验后下载远端媒体，S3 与本地实现共用。
type Downloader struct {
	Policy   security.URLPolicy
	Client   *http.Client
	MaxBytes int64
}

// maxMediaRedirects 是下载远端媒体时允许跟随的最大重定向次数。
const maxMediaRedirects = 3

// NewDownloadClient 返回下载远端媒体用的 client：拨号前校验目标 IP，不走环境代理。
func NewDownloadClient(policy security.URLPolicy, timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   policy.DialControl,
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: time.Minute,
		},
	}
}

// checkRedirect 对每一跳重新执行地址校验。
func (d Downloader) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > maxMediaRedirects {
		return errors.New("媒体地址重定向次数过多")
	}
	_, err := d.Policy.ValidateMediaURL(req.Context(), req.URL.String())
	return err
}

type download struct {
	Body        io.ReadCloser
	ContentType string
	Length      int64
}

func (d Downloader) open(ctx context.Context, remoteURL string) (*download, error) {
	u, err := d.Policy.ValidateMediaURL(ctx, remoteURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	var client http.Client
	if d.Client != nil {
		client = *d.Client
	}
	client.CheckRedirect = d.checkRedirect
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("下载媒体失败: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("下载媒体失败: 远端返回 %d", resp.StatusCode)
	}
	if d.MaxBytes > 0 && resp.ContentLength > d.MaxBytes {
		resp.Body.Close()
		return nil, ErrTooLarge
	}
	ct := strings.TrimSpace(resp.Header.Get("Content-Type"))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return &download{Body: resp.Body, ContentType: ct, Length: resp.ContentLength}, nil
}

// readAll 读取完整响应体并执行大小上限。
func (d Downloader) readAll(body io.Reader) ([]byte, error) {
	if d.MaxBytes <= 0 {
		return io.ReadAll(body)
	}
	b, err := io.ReadAll(io.LimitReader(body, d.MaxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > d.MaxBytes {
		return nil, ErrTooLarge
	}
	return b, nil
}
