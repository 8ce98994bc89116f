// Copyright The Quo-Vadis Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package qverr defines the closed set of status codes returned by every
// public quo-vadis operation, and helpers for moving between codes and
// wrapped Go errors.
package qverr

import (
	"errors"
	"fmt"
)

// Code is a quo-vadis status code. Codes cross the RMI wire as int32
// values, so existing entries must never be renumbered; append only.
type Code int32

const (
	Success Code = iota
	SuccessAlreadyDone
	SuccessShutdown
	Err
	ErrEnv
	ErrInternal
	ErrFileIO
	ErrSys
	ErrOOR
	ErrInvalidArg
	ErrCallBeforeInit
	ErrHwloc
	ErrMPI
	ErrMsg
	ErrRPC
	ErrNotSupported
	ErrPop
	ErrPMI
	ErrNotFound
	ErrSplit
	ResUnavailable

	numCodes
)

var codeStrings = map[Code]string{
	Success:            "success",
	SuccessAlreadyDone: "success, operation already complete",
	SuccessShutdown:    "success, shut down",
	Err:                "unspecified error",
	ErrEnv:             "environment error",
	ErrInternal:        "internal error",
	ErrFileIO:          "file I/O error",
	ErrSys:             "system error",
	ErrOOR:             "out of resources",
	ErrInvalidArg:      "invalid argument",
	ErrCallBeforeInit:  "called before initialization",
	ErrHwloc:           "hardware topology error",
	ErrMPI:             "group transport error",
	ErrMsg:             "message error",
	ErrRPC:             "remote procedure call error",
	ErrNotSupported:    "operation not supported",
	ErrPop:             "bind stack underflow",
	ErrPMI:             "process management interface error",
	ErrNotFound:        "not found",
	ErrSplit:           "split error",
	ResUnavailable:     "resources unavailable",
}

// Error makes Code usable directly as a Go error.
func (c Code) Error() string {
	return Strerr(c)
}

// IsSuccess reports whether c is one of the success codes.
func (c Code) IsSuccess() bool {
	return c == Success || c == SuccessAlreadyDone || c == SuccessShutdown
}

// Err returns c as an error, or nil when c is Success. The other success
// codes (SuccessAlreadyDone, SuccessShutdown) are returned as errors.
func (c Code) Err() error {
	if c == Success {
		return nil
	}
	return c
}

// Strerr returns the human-readable description of the given code.
func Strerr(c Code) string {
	if s, ok := codeStrings[c]; ok {
		return s
	}
	return fmt.Sprintf("unknown status code %d", int32(c))
}

// Valid reports whether c is a member of the code taxonomy.
func Valid(c Code) bool {
	return c >= Success && c < numCodes
}

// CodeOf extracts the status code from err, unwrapping as needed. A nil
// error maps to Success; an error with no embedded code maps to Err.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var c Code
	if errors.As(err, &c) {
		return c
	}
	return Err
}
