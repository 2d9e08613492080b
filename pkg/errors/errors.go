// Package errors 提供统一错误辅助与错误分类，不依赖 internal。
// 分类对应调度层的处理策略：校验错误快速失败、基础设施错误可重试、
// 逻辑错误不重试、限流不是错误（仅告知退避）。
package errors

import (
	"errors"
	"fmt"
)

// 常用哨兵错误（可按需扩展错误码）
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidArg = errors.New("invalid argument")
)

// Kind 错误分类
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation 请求字段缺失或非法，不重试，400 档
	KindValidation
	// KindInfrastructure 网络失败、上游 5xx、超时，按 backoff 重试
	KindInfrastructure
	// KindLogic 上游 4xx 或必填字段校验失败，重试无意义
	KindLogic
	// KindRateLimited 令牌桶耗尽，退避后重入队，不消耗重试次数
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindInfrastructure:
		return "infrastructure"
	case KindLogic:
		return "logic"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Error 携带分类的错误
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Msg != "" {
			return e.Msg + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E 构造带分类的错误
func E(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Ef 带格式的 E
func Ef(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WithKind 为已有错误附加分类
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// KindOf 返回错误链上最外层的分类；无分类时为 KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable 仅基础设施类错误可重试
func IsRetryable(err error) bool {
	return KindOf(err) == KindInfrastructure
}

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
