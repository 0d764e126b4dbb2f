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

package rpcerr

import (
	"fmt"
	"sync"
)

// StatusCode is the status carried by a response message.
type StatusCode int

const (
	StatusSuccess            StatusCode = 200
	StatusRequestError       StatusCode = 400
	StatusUnauthenticated    StatusCode = 401
	StatusUnauthorized       StatusCode = 403
	StatusValidationError    StatusCode = 422
	StatusPlatformError      StatusCode = 500
	StatusCommunicationError StatusCode = 502
	StatusBusinessError      StatusCode = 1000
	StatusUserFriendly       StatusCode = 1001
	StatusDataAccessError    StatusCode = 1002
	StatusLockerTimeout      StatusCode = 1003
	StatusIssueTokenError    StatusCode = 1004
)

//nolint:gochecknoglobals
var (
	statusMu sync.RWMutex
	// +checklocks:statusMu
	statusKinds = map[StatusCode]Kind{
		StatusRequestError:       KindValidation,
		StatusUnauthenticated:    KindUnauthenticated,
		StatusUnauthorized:       KindUnauthorized,
		StatusValidationError:    KindValidation,
		StatusPlatformError:      KindPlatform,
		StatusCommunicationError: KindCommunication,
		StatusBusinessError:      KindBusiness,
		StatusUserFriendly:       KindUserFriendly,
		StatusDataAccessError:    KindDataAccess,
		StatusLockerTimeout:      KindPlatform,
		StatusIssueTokenError:    KindUnauthenticated,
	}
)

// RegisterStatus maps a wire status code to a failure kind, replacing any
// existing mapping. StatusSuccess cannot be remapped.
func RegisterStatus(code StatusCode, kind Kind) {
	if code == StatusSuccess {
		panic("rpcerr: cannot remap StatusSuccess")
	}
	statusMu.Lock()
	defer statusMu.Unlock()
	statusKinds[code] = kind
}

// KindForStatus returns the failure kind for a wire status code. Codes with
// no mapping are platform failures.
func KindForStatus(code StatusCode) Kind {
	statusMu.RLock()
	defer statusMu.RUnlock()
	if kind, ok := statusKinds[code]; ok {
		return kind
	}
	return KindPlatform
}

// FromStatus returns the error for a failed response, or nil if code is
// StatusSuccess.
func FromStatus(code StatusCode, message string) error {
	if code == StatusSuccess {
		return nil
	}
	if message == "" {
		message = fmt.Sprintf("remote call failed with status %d", int(code))
	}
	return New(KindForStatus(code), message)
}
