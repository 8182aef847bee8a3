// Package faults holds the error taxonomy shared by every broker component.
//
// A taxonomy error carries a stable Code that the presentation layer maps to
// user facing text. Anything that is not a taxonomy error is unexpected and is
// joined with ErrFatal before it leaves a component.
package faults

import (
	"errors"
)

// Code identifies a taxonomy entry.
type Code string

const (
	InvalidStartUrl             Code = "INVALID_START_URL"
	InvalidAwsRegion            Code = "INVALID_AWS_REGION"
	InvalidLabel                Code = "INVALID_LABEL"
	InvalidProviderCode         Code = "INVALID_PROVIDER_CODE"
	InvalidProviderId           Code = "INVALID_PROVIDER_ID"
	InvalidAwsProfileName       Code = "INVALID_AWS_PROFILE_NAME"
	InstanceAlreadyRegistered   Code = "INSTANCE_ALREADY_REGISTERED"
	InstanceWasNotFound         Code = "INSTANCE_WAS_NOT_FOUND"
	InvalidDeviceAuthSession    Code = "INVALID_DEVICE_AUTH_SESSION"
	DeviceAuthFlowNotAuthorized Code = "DEVICE_AUTH_FLOW_NOT_AUTHORIZED"
	DeviceAuthFlowTimedOut      Code = "DEVICE_AUTH_FLOW_TIMED_OUT"
	AccessTokenExpired          Code = "ACCESS_TOKEN_EXPIRED"
	StaleAwsAccessToken         Code = "STALE_AWS_ACCESS_TOKEN"
	TransientAwsClientError     Code = "TRANSIENT_AWS_CLIENT_ERROR"
	UnknownSinkCode             Code = "UNKNOWN_SINK_CODE"
	InvalidDestinationFormat    Code = "INVALID_DESTINATION_FORMAT"
	EmptyProfile                Code = "EMPTY_PROFILE"
	EmptyKey                    Code = "EMPTY_KEY"
	EmptyKeyValue               Code = "EMPTY_KEY_VALUE"
)

// Kind groups codes by how the caller is expected to react.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindAuth       Kind = "auth"
	KindTransient  Kind = "transient"
	KindSink       Kind = "sink"
)

var kinds = map[Code]Kind{
	InvalidStartUrl:             KindValidation,
	InvalidAwsRegion:            KindValidation,
	InvalidLabel:                KindValidation,
	InvalidProviderCode:         KindValidation,
	InvalidProviderId:           KindValidation,
	InvalidAwsProfileName:       KindValidation,
	InstanceWasNotFound:         KindValidation,
	InvalidDeviceAuthSession:    KindValidation,
	InstanceAlreadyRegistered:   KindConflict,
	DeviceAuthFlowNotAuthorized: KindAuth,
	DeviceAuthFlowTimedOut:      KindAuth,
	AccessTokenExpired:          KindAuth,
	StaleAwsAccessToken:         KindAuth,
	TransientAwsClientError:     KindTransient,
	UnknownSinkCode:             KindSink,
	InvalidDestinationFormat:    KindSink,
	EmptyProfile:                KindSink,
	EmptyKey:                    KindSink,
	EmptyKeyValue:               KindSink,
}

// Kind returns the group the code belongs to.
func (c Code) Kind() Kind {
	return kinds[c]
}

// Retryable reports whether the same request may succeed later without the
// caller changing anything.
func (c Code) Retryable() bool {
	return c == TransientAwsClientError || c == DeviceAuthFlowNotAuthorized
}

// Error is a classified broker error.
type Error struct {
	Code Code
}

func (e *Error) Error() string {
	return string(e.Code)
}

// Is matches any taxonomy error with the same code so that wrapped copies
// still compare equal to the sentinels below.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// New returns a taxonomy error for code.
func New(code Code) *Error {
	return &Error{Code: code}
}

var (
	ErrInvalidStartUrl             = New(InvalidStartUrl)
	ErrInvalidAwsRegion            = New(InvalidAwsRegion)
	ErrInvalidLabel                = New(InvalidLabel)
	ErrInvalidProviderCode         = New(InvalidProviderCode)
	ErrInvalidProviderId           = New(InvalidProviderId)
	ErrInvalidAwsProfileName       = New(InvalidAwsProfileName)
	ErrInstanceAlreadyRegistered   = New(InstanceAlreadyRegistered)
	ErrInstanceWasNotFound         = New(InstanceWasNotFound)
	ErrInvalidDeviceAuthSession    = New(InvalidDeviceAuthSession)
	ErrDeviceAuthFlowNotAuthorized = New(DeviceAuthFlowNotAuthorized)
	ErrDeviceAuthFlowTimedOut      = New(DeviceAuthFlowTimedOut)
	ErrAccessTokenExpired          = New(AccessTokenExpired)
	ErrStaleAwsAccessToken         = New(StaleAwsAccessToken)
	ErrTransientAwsClientError     = New(TransientAwsClientError)
	ErrUnknownSinkCode             = New(UnknownSinkCode)
	ErrInvalidDestinationFormat    = New(InvalidDestinationFormat)
	ErrEmptyProfile                = New(EmptyProfile)
	ErrEmptyKey                    = New(EmptyKey)
	ErrEmptyKeyValue               = New(EmptyKeyValue)
)

// ErrFatal marks an unexpected failure that must not be mapped to a taxonomy
// entry.
var ErrFatal = errors.New("FATAL_ERROR")

// Fatal joins err with ErrFatal. A nil err stays nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrFatal) {
		return err
	}
	return errors.Join(err, ErrFatal)
}

// CodeOf extracts the taxonomy code from err, if any.
func CodeOf(err error) (Code, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code, true
	}
	return "", false
}

// IsFatal reports whether err is, or wraps, ErrFatal.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
