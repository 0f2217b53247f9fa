// Copyright 2016 CoreOS, Inc.
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

// Package errorcode defines the stable error taxonomy the payload consumer
// core reports to callers and telemetry. Names are contractual: callers and
// telemetry pipelines match on Code, not on the wrapped diagnostic text.
package errorcode

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is a stable identifier for a class of failure. Values never change
// meaning once shipped; new failure modes get new Codes rather than reusing
// one loosely.
type Code string

const (
	// Transport-shape errors.
	InvalidMetadataMagic           Code = "InvalidMetadataMagic"
	InvalidMetadataSize            Code = "InvalidMetadataSize"
	UnsupportedMajorPayloadVersion Code = "UnsupportedMajorPayloadVersion"
	UnsupportedMinorPayloadVersion Code = "UnsupportedMinorPayloadVersion"

	// Signature errors.
	MetadataSignatureMissing       Code = "MetadataSignatureMissing"
	MetadataSignatureMismatch      Code = "MetadataSignatureMismatch"
	PayloadPubKeyVerificationFailed Code = "PayloadPubKeyVerificationFailed"
	SignedDeltaPayloadExpected     Code = "SignedDeltaPayloadExpected"

	// Manifest errors.
	DownloadManifestParseError Code = "DownloadManifestParseError"

	// Operation-blob errors.
	OperationHashMissing    Code = "OperationHashMissing"
	OperationHashMismatch   Code = "OperationHashMismatch"
	OperationExecutionError Code = "OperationExecutionError"

	// Partition state errors.
	SourceHashMismatch         Code = "SourceHashMismatch"
	NewRootfsVerificationError Code = "NewRootfsVerificationError"
	NewKernelVerificationError Code = "NewKernelVerificationError"
	FilesystemVerifierError    Code = "FilesystemVerifierError"

	// I/O errors.
	InstallDeviceOpenError Code = "InstallDeviceOpenError"
	DownloadWriteError     Code = "DownloadWriteError"

	// Structural/resume errors.
	DownloadStateInitializationError Code = "DownloadStateInitializationError"

	// Cancellation, not a failure of the payload itself.
	Cancelled Code = "Cancelled"
)

// CodedError pairs a stable Code with the underlying cause, keeping
// pkg/errors' stack trace so the diagnostic survives across package
// boundaries the way the executor, writers, and verifier all cross.
type CodedError struct {
	Code  Code
	cause error
}

func New(code Code, cause error) *CodedError {
	return &CodedError{Code: code, cause: errors.WithStack(cause)}
}

func Newf(code Code, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, cause: errors.WithStack(fmt.Errorf(format, args...))}
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.cause)
}

func (e *CodedError) Unwrap() error { return e.cause }

// Is reports whether err carries the given Code, unwrapping CodedErrors as
// needed. Non-CodedError values never match.
func Is(err error, code Code) bool {
	var ce *CodedError
	for err != nil {
		if c, ok := err.(*CodedError); ok {
			ce = c
			break
		}
		err = errors.Unwrap(err)
	}
	return ce != nil && ce.Code == code
}

// StateCorrupting reports whether an error classification requires the
// resume journal to be cleared rather than preserved (§7 propagation policy).
func StateCorrupting(code Code) bool {
	return code == DownloadStateInitializationError
}
