// Package security 提供远端媒体地址校验：只允许 http/https，默认拒绝回环与内网地址。
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"syscall"
)

var ErrForbiddenAddress = errors.New("禁止访问内网或回环地址")

type URLPolicy struct {
	// AllowPrivate 允许内网/回环地址（仅用于本地开发与测试）。
	AllowPrivate bool
	Resolver     *net.Resolver
}

// ValidateMediaURL 校验上游返回的媒体地址，防止把服务端下载能力变成内网探测通道。
func (p URLPolicy) ValidateMediaURL(ctx context.Context, raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("解析媒体地址失败: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("媒体地址仅支持 http/https")
	}
	host := u.Hostname()
	if host == "" {
		return nil, errors.New("媒体地址 host 不能为空")
	}
	if p.AllowPrivate {
		return u, nil
	}

	if ip := net.ParseIP(host); ip != nil {
		if isForbiddenIP(ip) {
			return nil, ErrForbiddenAddress
		}
		return u, nil
	}
	resolver := p.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("解析媒体地址 DNS 失败: %w", err)
	}
	if len(addrs) == 0 {
		return nil, errors.New("媒体地址无可用 DNS 解析结果")
	}
	for _, a := range addrs {
		if isForbiddenIP(a.IP) {
			return nil, ErrForbiddenAddress
		}
	}
	return u, nil
}

// DialControl 用作 net.Dialer.Control，在建立连接前校验实际拨号的 IP。
// 重定向后的地址与 DNS 重绑定都绕不过这一步。
func (p URLPolicy) DialControl(network, address string, _ syscall.RawConn) error {
	if p.AllowPrivate {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("解析拨号地址失败: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil || isForbiddenIP(ip) {
		return ErrForbiddenAddress
	}
	return nil
}

func isForbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() || ip.IsMulticast()
}
