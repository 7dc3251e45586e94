// Copyright 2025 The etherdeck Authors
// This file is part of the etherdeck library.
//
// The etherdeck library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The etherdeck library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the etherdeck library. If not, see <http://www.gnu.org/licenses/>.

package rpc

import (
	"strconv"
	"strings"
)

// Well-known error codes of the provider backend.
const (
	ErrcodeInvalidPayload = -32600
	ErrcodeMethodDenied   = -32601
	ErrcodeInternal       = -32603
)

// methodPlaceholder is the quoted segment in templated error strings that
// gets replaced with the offending method name when a response is shaped.
const methodPlaceholder = "'__method__'"

// Error wraps RPC errors, which contain an error code in addition to the
// message.
type Error interface {
	Error() string  // returns the message
	ErrorCode() int // returns the code
}

// JSONError is the wire shape of an error object.
type JSONError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (err *JSONError) Error() string {
	if err.Message == "" {
		return "json-rpc error " + strconv.Itoa(err.Code)
	}
	return err.Message
}

func (err *JSONError) ErrorCode() int {
	return err.Code
}

type invalidPayloadError struct{}

func (e *invalidPayloadError) Error() string {
	return "Payload, or some of its content properties are invalid. Please check if they are valid HEX with '0x' prefix."
}

func (e *invalidPayloadError) ErrorCode() int { return ErrcodeInvalidPayload }

type methodDeniedError struct{ method string }

func (e *methodDeniedError) Error() string {
	return substituteMethod("Method '__method__' is not allowed.", e.method)
}

func (e *methodDeniedError) ErrorCode() int { return ErrcodeMethodDenied }

type methodTimeoutError struct{ method string }

func (e *methodTimeoutError) Error() string {
	return substituteMethod("Method '__method__' timed out.", e.method)
}

func (e *methodTimeoutError) ErrorCode() int { return ErrcodeInternal }

type txDeniedError struct{}

func (e *txDeniedError) Error() string { return "Transaction has been denied." }

func (e *txDeniedError) ErrorCode() int { return ErrcodeInternal }

type batchTxDeniedError struct{}

func (e *batchTxDeniedError) Error() string {
	return "Transactions denied, sendTransaction is not allowed in batch requests."
}

func (e *batchTxDeniedError) ErrorCode() int { return ErrcodeInternal }

// NewInvalidPayloadError reports a request string that could not be parsed
// into a JSON-RPC payload.
func NewInvalidPayloadError() Error { return new(invalidPayloadError) }

// NewMethodDeniedError reports a method rejected by policy. An empty method
// leaves the placeholder in place for later substitution.
func NewMethodDeniedError(method string) Error { return &methodDeniedError{method} }

// NewMethodTimeoutError reports a method call that could not reach the node
// or did not complete in time.
func NewMethodTimeoutError(method string) Error { return &methodTimeoutError{method} }

// NewTxDeniedError reports a denied transaction submission.
func NewTxDeniedError() Error { return new(txDeniedError) }

// NewBatchTxDeniedError reports a transaction submission inside a batch
// request. Batches containing transactions are never forwarded.
func NewBatchTxDeniedError() Error { return new(batchTxDeniedError) }

// IsTimeout reports whether err is a timeout-class provider error.
func IsTimeout(err error) bool {
	_, ok := err.(*methodTimeoutError)
	return ok
}

// ErrorObject converts any error into the wire error shape. Errors carrying
// a code keep it, everything else maps to the internal error code.
func ErrorObject(err error) *JSONError {
	return errorObject(err)
}

func errorObject(err error) *JSONError {
	switch e := err.(type) {
	case *JSONError:
		return &JSONError{Code: e.Code, Message: e.Message, Data: e.Data}
	case Error:
		return &JSONError{Code: e.ErrorCode(), Message: e.Error()}
	default:
		return &JSONError{Code: ErrcodeInternal, Message: err.Error()}
	}
}

func substituteMethod(text, method string) string {
	if method == "" {
		return text
	}
	return strings.ReplaceAll(text, methodPlaceholder, "'"+method+"'")
}
