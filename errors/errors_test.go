package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryError(t *testing.T) {
	err := &DeliveryError{
		Code:    NotFound,
		Message: "user not located",
		Op:      "resolve",
	}

	assert.Equal(t, "delivery error 404 in resolve: user not located", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestDeliveryErrorWithoutOp(t *testing.T) {
	err := &DeliveryError{
		Code:    InternalError,
		Message: "internal error",
	}

	assert.Equal(t, "delivery error 541: internal error", err.Error())
}

func TestDeliveryErrorWithCause(t *testing.T) {
	cause := errors.New("underlying error")
	err := &DeliveryError{
		Code:    InternalError,
		Message: "wrapper error",
		Cause:   cause,
	}

	assert.Equal(t, cause, err.Unwrap())
}

func TestRegistryError(t *testing.T) {
	err := NewRegistryError(Conflict, "session displaced", "user-1", "chan-1")

	assert.Equal(t, Conflict, err.Code)
	assert.Equal(t, "session displaced", err.Message)
	assert.Equal(t, "user-1", err.UserID)
	assert.Equal(t, "chan-1", err.ChannelID)
}

func TestChannelNotFoundError(t *testing.T) {
	err := NewChannelNotFound("chan-42")

	assert.Equal(t, NotFound, err.Code)
	assert.Equal(t, "chan-42", err.ChannelID)
	assert.Contains(t, err.Message, "channel 'chan-42' not found")
}

func TestDeviceConflictError(t *testing.T) {
	err := NewDeviceConflict("user-1", "chan-2", "android")

	assert.Equal(t, Conflict, err.Code)
	assert.Equal(t, "user-1", err.UserID)
	assert.Contains(t, err.Message, "android")
}

func TestLeaseExpiredError(t *testing.T) {
	err := NewLeaseExpired("msg-7", "mark_confirmed")

	assert.Equal(t, LeaseExpired, err.Code)
	assert.Equal(t, "msg-7", err.MessageID)
	assert.Equal(t, "mark_confirmed", err.Op)
	assert.Contains(t, err.Message, "lease on message 'msg-7'")
}

func TestRetryExceededError(t *testing.T) {
	err := NewRetryExceeded("msg-9", 4)

	assert.Equal(t, RetryExceeded, err.Code)
	assert.Equal(t, "msg-9", err.MessageID)
	assert.Contains(t, err.Message, "after 4 attempts")
}

func TestStoreUnavailableError(t *testing.T) {
	cause := errors.New("connection timeout")
	err := NewStoreUnavailable("claim", cause)

	assert.Equal(t, Unavailable, err.Code)
	assert.Equal(t, "claim", err.Op)
	assert.Equal(t, cause, err.Unwrap())
	assert.Contains(t, err.Message, "outbox store unavailable")
}

func TestNoRouteError(t *testing.T) {
	err := NewNoRoute("IM-SERVER", "IM-ROUTER-node-a")

	assert.Equal(t, NoRoute, err.Code)
	assert.Equal(t, "IM-SERVER", err.Exchange)
	assert.Equal(t, "IM-ROUTER-node-a", err.RoutingKey)
	assert.Contains(t, err.Message, "exchange=IM-SERVER, routing_key=IM-ROUTER-node-a")
}

func TestPublishNackedError(t *testing.T) {
	err := NewPublishNacked("IM-SERVER", "IM-ROUTER-node-a", "queue saturated")

	assert.Equal(t, Unavailable, err.Code)
	assert.Contains(t, err.Message, "queue saturated")
}

func TestUserOfflineError(t *testing.T) {
	err := NewUserOffline("user-5")

	assert.Equal(t, NotFound, err.Code)
	assert.Equal(t, "user-5", err.UserID)
	assert.Contains(t, err.Message, "no presence entry for user 'user-5'")
}

func TestAuthenticationFailedError(t *testing.T) {
	err := NewAuthenticationFailed("jane", "invalid token")

	assert.Equal(t, AccessRefused, err.Code)
	assert.Equal(t, "jane", err.UserID)
	assert.Contains(t, err.Message, "authentication failed for user 'jane'")
	assert.Contains(t, err.Message, "invalid token")
}

func TestConfigError(t *testing.T) {
	cause := errors.New("file not found")
	err := NewConfigError("invalid configuration", "outbox", "dsn", cause)

	assert.Equal(t, InternalError, err.Code)
	assert.Equal(t, "outbox", err.Section)
	assert.Equal(t, "dsn", err.Key)
	assert.Equal(t, cause, err.Unwrap())
}

func TestConfigValidationError(t *testing.T) {
	err := NewConfigValidationError("routing", "redis_addr", "address is empty")

	assert.Equal(t, InternalError, err.Code)
	assert.Equal(t, "routing", err.Section)
	assert.Equal(t, "redis_addr", err.Key)
	assert.Contains(t, err.Message, "configuration validation failed")
	assert.Contains(t, err.Message, "address is empty")
}

func TestIsRegistryError(t *testing.T) {
	regErr := NewChannelNotFound("chan-1")
	outboxErr := NewLeaseExpired("msg-1", "mark_retry")
	genericErr := errors.New("generic error")

	assert.True(t, IsRegistryError(regErr))
	assert.False(t, IsRegistryError(outboxErr))
	assert.False(t, IsRegistryError(genericErr))
}

func TestIsLeaseExpired(t *testing.T) {
	leaseErr := NewLeaseExpired("msg-1", "mark_retry")
	notFoundErr := NewChannelNotFound("chan-1")
	genericErr := errors.New("generic error")

	assert.True(t, IsLeaseExpired(leaseErr))
	assert.False(t, IsLeaseExpired(notFoundErr))
	assert.False(t, IsLeaseExpired(genericErr))
}

func TestIsNotFound(t *testing.T) {
	notFoundErr := NewChannelNotFound("chan-1")
	offlineErr := NewUserOffline("user-1")
	conflictErr := NewDeviceConflict("user-1", "chan-1", "web")
	genericErr := errors.New("generic error")

	assert.True(t, IsNotFound(notFoundErr))
	assert.True(t, IsNotFound(offlineErr))
	assert.False(t, IsNotFound(conflictErr))
	assert.False(t, IsNotFound(genericErr))
}

func TestIsNoRoute(t *testing.T) {
	noRouteErr := NewNoRoute("IM-SERVER", "IM-ROUTER-node-a")
	nackedErr := NewPublishNacked("IM-SERVER", "k", "saturated")
	genericErr := errors.New("generic error")

	assert.True(t, IsNoRoute(noRouteErr))
	assert.False(t, IsNoRoute(nackedErr))
	assert.False(t, IsNoRoute(genericErr))
}

func TestGetErrorCode(t *testing.T) {
	deliveryErr := NewChannelNotFound("chan-1")
	genericErr := errors.New("generic error")

	assert.Equal(t, NotFound, GetErrorCode(deliveryErr))
	assert.Equal(t, 0, GetErrorCode(genericErr))
}

func TestWrappedErrors(t *testing.T) {
	cause := errors.New("root cause")
	storeErr := NewStoreUnavailable("enqueue", cause)

	assert.True(t, errors.Is(storeErr, cause))

	unwrapped := errors.Unwrap(storeErr)
	assert.Equal(t, cause, unwrapped)

	var derr *DeliveryError
	if assert.True(t, errors.As(storeErr, &derr)) {
		assert.Equal(t, Unavailable, derr.Code)
	}
}

func TestErrorChaining(t *testing.T) {
	rootCause := errors.New("database connection failed")

	storeErr := NewStoreUnavailable("claim", rootCause)
	wrapperErr := fmt.Errorf("dispatcher startup failed: %w", storeErr)

	assert.True(t, errors.Is(wrapperErr, rootCause))

	var oErr *OutboxError
	assert.True(t, errors.As(wrapperErr, &oErr))
	assert.Equal(t, "claim", oErr.Op)

	var derr *DeliveryError
	if assert.True(t, errors.As(wrapperErr, &derr)) {
		assert.Equal(t, Unavailable, derr.Code)
	}
}
