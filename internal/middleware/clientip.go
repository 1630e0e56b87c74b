package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP はリクエスト元のIPアドレスを返す。
// trustProxyが有効な場合はX-Forwarded-For、X-Real-IPの順に参照し、
// いずれも無効な場合は接続元アドレスを使う。
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := firstForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip.String()
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// firstForwardedIP はX-Forwarded-Forの先頭から最初に解釈できるIPを返す。
func firstForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
