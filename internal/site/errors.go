package site

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// TransportError 的失败类别。
const (
	KindNetwork = "network"
	KindTimeout = "timeout"
	KindStatus  = "status"
	KindBlocked = "blocked"
)

// TransportError 表示一次站点/图片请求在传输层失败（网络、超时、非 2xx、被拦截）。
type TransportError struct {
	URL        string
	Kind       string
	StatusCode int    // 仅 KindStatus
	Reason     string // 仅 KindBlocked
	Err        error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "transport error"
	}
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("HTTP %d url=%s", e.StatusCode, e.URL)
	case KindBlocked:
		r := strings.TrimSpace(e.Reason)
		if r == "" {
			return "blocked"
		}
		return "blocked: " + r
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTimeout 判断 err 是否为传输超时。
func IsTimeout(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Kind == KindTimeout
}

func classify(u string, err error) *TransportError {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TransportError{URL: u, Kind: KindTimeout, Err: err}
	}
	return &TransportError{URL: u, Kind: KindNetwork, Err: err}
}
