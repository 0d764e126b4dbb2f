// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rpcerr defines the failure kinds surfaced by RPC calls.
//
// All errors returned by the runtime carry a Kind so that callers can branch
// on the failure without matching error strings:
//
//	if errors.Is(err, rpcerr.NoHealthyAddress) {
//		// back off and retry later
//	}
//
// Remote failures are reported on the wire as a StatusCode, which is mapped
// to a Kind through a table that can be extended with RegisterStatus.
package rpcerr

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAddressNotFound means the route has no candidate addresses.
	KindAddressNotFound
	// KindNoHealthyAddress means every candidate address is unhealthy.
	KindNoHealthyAddress
	// KindConnectFailure means a connection to the endpoint could not be
	// established.
	KindConnectFailure
	// KindCommunication means a send or receive failed on an established
	// connection.
	KindCommunication
	KindBusiness
	KindValidation
	KindDataAccess
	KindUnauthorized
	KindUnauthenticated
	// KindUserFriendly is a business failure whose message is safe to show
	// to end users.
	KindUserFriendly
	// KindPlatform is a generic failure of the remote runtime.
	KindPlatform
	// KindCancelled means the call was cancelled by the caller, timed out,
	// or was abandoned because its client was closed.
	KindCancelled
)

//nolint:gochecknoglobals
var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindAddressNotFound:  "address_not_found",
	KindNoHealthyAddress: "no_healthy_address",
	KindConnectFailure:   "connect_failure",
	KindCommunication:    "communication",
	KindBusiness:         "business",
	KindValidation:       "validation",
	KindDataAccess:       "data_access",
	KindUnauthorized:     "unauthorized",
	KindUnauthenticated:  "unauthenticated",
	KindUserFriendly:     "user_friendly",
	KindPlatform:         "platform",
	KindCancelled:        "cancelled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Targets for errors.Is. Only the Kind of the target is compared.
//
//nolint:gochecknoglobals,errname
var (
	AddressNotFound  = &Error{Kind: KindAddressNotFound}
	NoHealthyAddress = &Error{Kind: KindNoHealthyAddress}
	ConnectFailure   = &Error{Kind: KindConnectFailure}
	Communication    = &Error{Kind: KindCommunication}
	Business         = &Error{Kind: KindBusiness}
	Validation       = &Error{Kind: KindValidation}
	DataAccess       = &Error{Kind: KindDataAccess}
	Unauthorized     = &Error{Kind: KindUnauthorized}
	Unauthenticated  = &Error{Kind: KindUnauthenticated}
	UserFriendly     = &Error{Kind: KindUserFriendly}
	Platform         = &Error{Kind: KindPlatform}
	Cancelled        = &Error{Kind: KindCancelled}
)

// Error is a failure with a Kind.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// New returns an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap returns an error of the given kind caused by err.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Cause: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

// GRPCStatus allows status.FromError to convert the error.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Kind.grpcCode(), e.Error())
}

func (k Kind) grpcCode() codes.Code {
	switch k {
	case KindAddressNotFound, KindNoHealthyAddress, KindConnectFailure, KindCommunication:
		return codes.Unavailable
	case KindBusiness, KindUserFriendly:
		return codes.FailedPrecondition
	case KindValidation:
		return codes.InvalidArgument
	case KindDataAccess, KindPlatform:
		return codes.Internal
	case KindUnauthorized:
		return codes.PermissionDenied
	case KindUnauthenticated:
		return codes.Unauthenticated
	case KindCancelled:
		return codes.Canceled
	case KindUnknown:
		return codes.Unknown
	}
	return codes.Unknown
}

// KindOf returns the kind of the first *Error in err's chain, or
// KindUnknown if there is none.
func KindOf(err error) Kind {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr.Kind
	}
	return KindUnknown
}
