package origin

import (
	"errors"
	"fmt"
)

// Kind 区分回源失败的类别。
type Kind int

const (
	// KindUnreachable 表示网络错误或超时，会按退避重试。
	KindUnreachable Kind = iota + 1
	// KindStatus 表示源站返回了非 200 状态。
	KindStatus
	// KindTooLarge 表示正文超过 MaxResourceSize。
	KindTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindUnreachable:
		return "unreachable"
	case KindStatus:
		return "status"
	case KindTooLarge:
		return "too_large"
	default:
		return "unknown"
	}
}

// FetchError 描述一次失败的整体回源。
type FetchError struct {
	Kind       Kind
	Key        string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("origin %s: unexpected status %d", e.Key, e.StatusCode)
	case KindTooLarge:
		return fmt.Sprintf("origin %s: %v", e.Key, e.Err)
	default:
		return fmt.Sprintf("origin %s unreachable after %d attempt(s): %v", e.Key, e.Attempts, e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsKind 报告 err 是否为指定类别的 FetchError。
func IsKind(err error, kind Kind) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == kind
}

// ErrTooLarge 由 KindTooLarge 的 FetchError 包装。
var ErrTooLarge = errors.New("resource exceeds size limit")
