package errors

import (
	"errors"
	"fmt"
)

// DeliveryError represents a general delivery-subsystem error
type DeliveryError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Op      string `json:"op,omitempty"`
	Cause   error  `json:"cause,omitempty"`
}

func (e *DeliveryError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("delivery error %d in %s: %s", e.Code, e.Op, e.Message)
	}
	return fmt.Sprintf("delivery error %d: %s", e.Code, e.Message)
}

func (e *DeliveryError) Unwrap() error {
	return e.Cause
}

func (e *DeliveryError) As(target interface{}) bool {
	if derr, ok := target.(**DeliveryError); ok {
		*derr = e
		return true
	}
	return false
}

// Error codes. The 3xx range mirrors the broker soft-error space so that
// a basic.return reply code can be carried through unchanged.
const (
	NoRoute       = 312
	NoConsumers   = 313
	AccessRefused = 403
	NotFound      = 404
	Conflict      = 405
	Precondition  = 406

	Unavailable   = 503
	LeaseExpired  = 504
	RetryExceeded = 505
	InternalError = 541
)

// Registry Errors

// RegistryError represents channel-registry errors
type RegistryError struct {
	DeliveryError
	UserID    string `json:"user_id,omitempty"`
	ChannelID string `json:"channel_id,omitempty"`
}

func NewRegistryError(code int, message, userID, channelID string) *RegistryError {
	return &RegistryError{
		DeliveryError: DeliveryError{
			Code:    code,
			Message: message,
		},
		UserID:    userID,
		ChannelID: channelID,
	}
}

func NewChannelNotFound(channelID string) *RegistryError {
	return NewRegistryError(NotFound, fmt.Sprintf("channel '%s' not found", channelID), "", channelID)
}

func NewDeviceConflict(userID, channelID, deviceType string) *RegistryError {
	message := fmt.Sprintf("device '%s' conflicts with an existing session for user '%s'", deviceType, userID)
	return NewRegistryError(Conflict, message, userID, channelID)
}

func (e *RegistryError) As(target interface{}) bool {
	if derr, ok := target.(**DeliveryError); ok {
		*derr = &e.DeliveryError
		return true
	}
	return false
}

// Outbox Errors

// OutboxError represents outbox store and dispatcher errors
type OutboxError struct {
	DeliveryError
	MessageID string `json:"message_id,omitempty"`
}

func NewOutboxError(code int, message, messageID, op string, cause error) *OutboxError {
	return &OutboxError{
		DeliveryError: DeliveryError{
			Code:    code,
			Message: message,
			Op:      op,
			Cause:   cause,
		},
		MessageID: messageID,
	}
}

func NewLeaseExpired(messageID, op string) *OutboxError {
	message := fmt.Sprintf("lease on message '%s' expired or was taken by another worker", messageID)
	return NewOutboxError(LeaseExpired, message, messageID, op, nil)
}

func NewRetryExceeded(messageID string, attempts int) *OutboxError {
	message := fmt.Sprintf("message '%s' dead-lettered after %d attempts", messageID, attempts)
	return NewOutboxError(RetryExceeded, message, messageID, "dispatch", nil)
}

func NewStoreUnavailable(op string, cause error) *OutboxError {
	return NewOutboxError(Unavailable, fmt.Sprintf("outbox store unavailable for %s", op), "", op, cause)
}

func (e *OutboxError) As(target interface{}) bool {
	if derr, ok := target.(**DeliveryError); ok {
		*derr = &e.DeliveryError
		return true
	}
	return false
}

// Publish Errors

// PublishError represents broker publish failures
type PublishError struct {
	DeliveryError
	Exchange   string `json:"exchange"`
	RoutingKey string `json:"routing_key"`
}

func NewPublishError(code int, message, exchange, routingKey string, cause error) *PublishError {
	return &PublishError{
		DeliveryError: DeliveryError{
			Code:    code,
			Message: message,
			Op:      "publish",
			Cause:   cause,
		},
		Exchange:   exchange,
		RoutingKey: routingKey,
	}
}

func NewNoRoute(exchange, routingKey string) *PublishError {
	message := fmt.Sprintf("no route: exchange=%s, routing_key=%s", exchange, routingKey)
	return NewPublishError(NoRoute, message, exchange, routingKey, nil)
}

func NewPublishNacked(exchange, routingKey, reason string) *PublishError {
	message := fmt.Sprintf("publish nacked: %s", reason)
	return NewPublishError(Unavailable, message, exchange, routingKey, nil)
}

// Routing Errors

// RoutingError represents routing-resolution failures
type RoutingError struct {
	DeliveryError
	UserID string `json:"user_id,omitempty"`
}

func NewRoutingError(code int, message, userID string, cause error) *RoutingError {
	return &RoutingError{
		DeliveryError: DeliveryError{
			Code:    code,
			Message: message,
			Op:      "resolve",
			Cause:   cause,
		},
		UserID: userID,
	}
}

func NewUserOffline(userID string) *RoutingError {
	return NewRoutingError(NotFound, fmt.Sprintf("no presence entry for user '%s'", userID), userID, nil)
}

// Authentication Errors

// AuthError represents handshake authentication failures
type AuthError struct {
	DeliveryError
	UserID string `json:"user_id,omitempty"`
}

func NewAuthError(message, userID string) *AuthError {
	return &AuthError{
		DeliveryError: DeliveryError{
			Code:    AccessRefused,
			Message: message,
		},
		UserID: userID,
	}
}

func NewAuthenticationFailed(userID, reason string) *AuthError {
	return NewAuthError(fmt.Sprintf("authentication failed for user '%s': %s", userID, reason), userID)
}

// Configuration Errors

// ConfigError represents configuration-specific errors
type ConfigError struct {
	DeliveryError
	Section string `json:"section"`
	Key     string `json:"key,omitempty"`
}

func NewConfigError(message, section, key string, cause error) *ConfigError {
	return &ConfigError{
		DeliveryError: DeliveryError{
			Code:    InternalError,
			Message: message,
			Cause:   cause,
		},
		Section: section,
		Key:     key,
	}
}

func NewConfigValidationError(section, key, reason string) *ConfigError {
	message := fmt.Sprintf("configuration validation failed for %s.%s: %s", section, key, reason)
	return NewConfigError(message, section, key, nil)
}

// Helper functions for common error checking

// IsRegistryError checks if an error is a RegistryError
func IsRegistryError(err error) bool {
	var regErr *RegistryError
	return errors.As(err, &regErr)
}

// IsLeaseExpired checks if an error indicates a lost or expired lease
func IsLeaseExpired(err error) bool {
	var derr *DeliveryError
	if errors.As(err, &derr) {
		return derr.Code == LeaseExpired
	}
	return false
}

// IsNotFound checks if an error indicates a resource was not found
func IsNotFound(err error) bool {
	var derr *DeliveryError
	if errors.As(err, &derr) {
		return derr.Code == NotFound
	}
	return false
}

// IsNoRoute checks if an error indicates an unroutable publish
func IsNoRoute(err error) bool {
	var derr *DeliveryError
	if errors.As(err, &derr) {
		return derr.Code == NoRoute
	}
	return false
}

// GetErrorCode returns the delivery error code if the error carries one
func GetErrorCode(err error) int {
	var derr *DeliveryError
	if errors.As(err, &derr) {
		return derr.Code
	}
	return 0
}
