package ably

import (
	"fmt"
	"net/http"

	"github.com/guspan-tanadi/ably-jsfromably/proto"
	"github.com/pkg/errors"
)

// Stable error codes raised by the client.
const (
	CodeBadRequest            = 40000
	CodeMaxMessageSize        = 40009
	CodeTokenRevoked          = 40141
	CodeTokenExpired          = 40142
	CodeNoTokenRenewal        = 40171
	CodeInternal              = 50000
	CodeConnectionFailed      = 80000
	CodeConnectionSuspended   = 80002
	CodeConnectionDisconnect  = 80003
	CodeConnectionClosed      = 80017
	CodeInternalConnectionErr = 50002
)

// Connection state errors. They are returned by value copies so callers may
// attach causes without mutating the shared instance.
func errDisconnected() *proto.ErrorInfo {
	return proto.NewErrorInfo(CodeConnectionDisconnect, http.StatusBadRequest, "Connection to server temporarily unavailable")
}

func errSuspended() *proto.ErrorInfo {
	return proto.NewErrorInfo(CodeConnectionSuspended, http.StatusBadRequest, "Connection to server unavailable")
}

func errFailed() *proto.ErrorInfo {
	return proto.NewErrorInfo(CodeConnectionFailed, http.StatusBadRequest, "Connection failed or disconnected by server")
}

func errClosing() *proto.ErrorInfo {
	return proto.NewErrorInfo(CodeConnectionClosed, http.StatusBadRequest, "Connection closing")
}

func errClosed() *proto.ErrorInfo {
	return proto.NewErrorInfo(CodeConnectionClosed, http.StatusBadRequest, "Connection closed")
}

func errIdleTimeout(msg string) *proto.ErrorInfo {
	return proto.NewErrorInfo(CodeConnectionDisconnect, http.StatusRequestTimeout, msg)
}

func errAttemptTimeout() *proto.ErrorInfo {
	return proto.NewErrorInfo(CodeInternal, http.StatusInternalServerError, "Timeout waiting for transport to indicate itself viable")
}

func errNackNoDetail() *proto.ErrorInfo {
	return proto.NewErrorInfo(CodeInternal, http.StatusInternalServerError, "Message rejected by server with no detail")
}

func errQueueFull(limit int) *proto.ErrorInfo {
	return proto.NewErrorInfo(CodeBadRequest, http.StatusBadRequest, fmt.Sprintf("Message queue full (limit %d)", limit))
}

func errMessageTooLarge() *proto.ErrorInfo {
	return proto.NewErrorInfo(CodeMaxMessageSize, http.StatusBadRequest, "Maximum size of messages that can be published at once exceeded")
}

func errNoTokenRenewal() *proto.ErrorInfo {
	return proto.NewErrorInfo(CodeNoTokenRenewal, http.StatusUnauthorized, "Token expired with no means of renewal")
}

// errorInfoFrom lifts any error into an ErrorInfo. ErrorInfos found anywhere
// in the chain are returned as is; anything else becomes a generic internal
// connection error wrapping the cause.
func errorInfoFrom(err error, fallback *proto.ErrorInfo) *proto.ErrorInfo {
	if err == nil {
		return nil
	}
	var info *proto.ErrorInfo
	if errors.As(err, &info) {
		return info
	}
	if fallback == nil {
		fallback = proto.NewErrorInfo(CodeInternalConnectionErr, http.StatusInternalServerError, "Internal connection error")
	}
	return fallback.WithCause(err)
}
