// Copyright 2021 The gVisor Authors.
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

// Package linuxerr contains syscall error codes exported as error interface
// pointers. This allows for fast comparison and return operations comparable
// to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"golang.org/x/sys/unix"
	"regionmm.dev/regionmm/pkg/errors"
)

// The following errors are semantically identical to the unix.Errno of the
// same name. Since the types are distinct (these are *errors.Error), they are
// not directly comparable; use Equals.
var (
	EPERM  = errors.New(unix.EPERM, "operation not permitted")
	ENOENT = errors.New(unix.ENOENT, "no such file or directory")
	EIO    = errors.New(unix.EIO, "I/O error")
	ENOMEM = errors.New(unix.ENOMEM, "out of memory")
	EACCES = errors.New(unix.EACCES, "permission denied")
	EFAULT = errors.New(unix.EFAULT, "bad address")
	EBUSY  = errors.New(unix.EBUSY, "device or resource busy")
	EEXIST = errors.New(unix.EEXIST, "file exists")
	EINVAL = errors.New(unix.EINVAL, "invalid argument")
)

var errNotValidError = goerrors.New("not a valid error")

// errorMap maps every errno defined above to its *errors.Error.
var errorMap = map[unix.Errno]*errors.Error{
	unix.EPERM:  EPERM,
	unix.ENOENT: ENOENT,
	unix.EIO:    EIO,
	unix.ENOMEM: ENOMEM,
	unix.EACCES: EACCES,
	unix.EFAULT: EFAULT,
	unix.EBUSY:  EBUSY,
	unix.EEXIST: EEXIST,
	unix.EINVAL: EINVAL,
}

// ErrorFromUnix returns the *errors.Error for a unix.Errno, or nil if errno
// is zero.
func ErrorFromUnix(err unix.Errno) error {
	if err == 0 {
		return nil
	}
	if e, ok := errorMap[err]; ok {
		return e
	}
	return errors.New(err, err.Error())
}

// ToUnix converts an *errors.Error to its unix.Errno.
func ToUnix(e *errors.Error) unix.Errno {
	if e == nil {
		return 0
	}
	return e.Errno()
}

// ToError converts an *errors.Error to an error, preserving nil.
func ToError(err *errors.Error) error {
	if err == nil {
		return nil
	}
	return err
}

// Equals compares a linuxerr to a given error. It unwraps err, so wrapped
// errors compare equal to the linuxerr they wrap.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	var target *errors.Error
	if goerrors.As(err, &target) {
		return target.Errno() == e.Errno()
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno == e.Errno()
	}
	return false
}

// Errno returns the errno carried by err, or an error if err does not carry
// one.
func Errno(err error) (unix.Errno, error) {
	var target *errors.Error
	if goerrors.As(err, &target) {
		return target.Errno(), nil
	}
	var errno unix.Errno
	if goerrors.As(err, &errno) {
		return errno, nil
	}
	return 0, errNotValidError
}
