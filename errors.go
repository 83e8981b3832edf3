package vqs

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

// 错误文本码，供调用方通过 HasTextCode 判断。
const (
	ErrCodeUnknownGroupPrefix  = "UNKNOWN_GROUP_PREFIX"
	ErrCodeRouting             = "ROUTING_ERROR"
	ErrCodeProtocol            = "PROTOCOL_ERROR"
	ErrCodeInvalidPayload      = "INVALID_PAYLOAD"
	ErrCodePayloadKindMismatch = "PAYLOAD_KIND_MISMATCH"
	ErrCodeQueueingFailed      = "QUEUEING_FAILED"
	ErrCodeTransport           = "TRANSPORT_ERROR"
	ErrCodeRedriveFailed       = "REDRIVE_FAILED"
	ErrCodeExhausted           = "RETRIES_EXHAUSTED"
	ErrCodeInvalidConfig       = "INVALID_CONFIG"
)

func newError(message string, category goerrors.Category, code int, textCode string, metadata map[string]any) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func wrapError(source error, category goerrors.Category, message string, code int, textCode string, metadata map[string]any) error {
	if source == nil {
		return newError(message, category, code, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
	// source 已是 go-errors 错误时 Wrap 沿用其分类
	err.Category = category
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func unknownGroupPrefix(groupKey string) error {
	return newError("unknown queue name prefix", goerrors.CategoryBadInput, http.StatusBadRequest,
		ErrCodeUnknownGroupPrefix, map[string]any{"group_key": groupKey})
}

func routingError(message string, metadata map[string]any) error {
	return newError(message, goerrors.CategoryBadInput, http.StatusBadRequest, ErrCodeRouting, metadata)
}

func protocolError(message string, metadata map[string]any) error {
	return newError(message, goerrors.CategoryBadInput, http.StatusBadRequest, ErrCodeProtocol, metadata)
}

func protocolWrapError(source error, message string, metadata map[string]any) error {
	return wrapError(source, goerrors.CategoryBadInput, message, http.StatusBadRequest, ErrCodeProtocol, metadata)
}

func invalidPayload(message string, metadata map[string]any) error {
	return newError(message, goerrors.CategoryValidation, http.StatusBadRequest, ErrCodeInvalidPayload, metadata)
}

func transportError(source error, message string, metadata map[string]any) error {
	return wrapError(source, goerrors.CategoryExternal, message, http.StatusBadGateway, ErrCodeTransport, metadata)
}

func configError(message string) error {
	return newError(message, goerrors.CategoryValidation, 0, ErrCodeInvalidConfig, nil)
}

func configWrapError(source error, message string) error {
	return wrapError(source, goerrors.CategoryValidation, message, 0, ErrCodeInvalidConfig, nil)
}

// HasTextCode 判断 err 链中是否存在指定文本码的 go-errors 错误。
func HasTextCode(err error, textCode string) bool {
	var rich *goerrors.Error
	if !goerrors.As(err, &rich) {
		return false
	}
	return rich.TextCode == textCode
}

func payloadKindMismatch(groupKey string, want, got Kind) error {
	return newError("payload kind does not match queue name prefix", goerrors.CategoryValidation, http.StatusBadRequest,
		ErrCodePayloadKindMismatch, map[string]any{"group_key": groupKey, "want": string(want), "got": string(got)})
}

func queueingFailed(source error, groupKey string) error {
	return wrapError(source, goerrors.CategoryExternal, "failed to enqueue message", http.StatusBadGateway,
		ErrCodeQueueingFailed, map[string]any{"group_key": groupKey})
}
