// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package buffer holds client frames that arrive before the upstream
// connection is ready.
package buffer

import (
	"fmt"

	"github.com/absmach/wsrelay/pkg/errors"
)

// Limits bounds a Buffer. A zero value disables the corresponding bound.
type Limits struct {
	MaxFrames int
	MaxBytes  int
}

// Buffer is an ordered queue of raw frames. It is owned by a single
// connection goroutine and is not safe for concurrent use.
type Buffer struct {
	limits Limits
	frames [][]byte
	size   int
}

// New creates an empty buffer with the given limits.
func New(limits Limits) *Buffer {
	return &Buffer{limits: limits}
}

// Push appends a frame. It returns ErrBufferFull, leaving the buffer
// unchanged, if the frame would exceed a limit.
func (b *Buffer) Push(frame []byte) error {
	if b.limits.MaxFrames > 0 && len(b.frames)+1 > b.limits.MaxFrames {
		return fmt.Errorf("%w: more than %d frames", errors.ErrBufferFull, b.limits.MaxFrames)
	}
	if b.limits.MaxBytes > 0 && b.size+len(frame) > b.limits.MaxBytes {
		return fmt.Errorf("%w: more than %d bytes", errors.ErrBufferFull, b.limits.MaxBytes)
	}

	b.frames = append(b.frames, frame)
	b.size += len(frame)
	return nil
}

// Drain returns all frames in receipt order and empties the buffer.
func (b *Buffer) Drain() [][]byte {
	frames := b.frames
	b.frames = nil
	b.size = 0
	return frames
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	return len(b.frames)
}

// Size returns the total number of buffered bytes.
func (b *Buffer) Size() int {
	return b.size
}
