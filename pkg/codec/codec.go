// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package codec validates relayed frames as JSON and re-emits them in
// compact form.
package codec

import (
	"bytes"
	"encoding/json"

	"github.com/absmach/wsrelay/pkg/errors"
)

// Normalize parses frame as a JSON value and returns its compact encoding.
// Member order, number literals and string escapes are preserved; only
// insignificant whitespace is removed. Invalid input returns ErrInvalidFrame.
func Normalize(frame []byte) ([]byte, error) {
	if !json.Valid(frame) {
		return nil, errors.ErrInvalidFrame
	}

	var out bytes.Buffer
	out.Grow(len(frame))
	if err := json.Compact(&out, frame); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidFrame, err.Error())
	}
	return out.Bytes(), nil
}
