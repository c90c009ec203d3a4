/*
 * Copyright (c) 2025, Loopgate Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"net"

	"golang.org/x/time/rate"
)

// RateLimits specify the rate limits for a ThrottledConn.
type RateLimits struct {

	// ReadBytesPerSecond specifies a rate limit for reads from the
	// underlying conn. The default, 0, is no limit.
	ReadBytesPerSecond int64

	// WriteBytesPerSecond specifies a rate limit for writes to the
	// underlying conn. The default, 0, is no limit.
	WriteBytesPerSecond int64
}

// IsThrottled indicates whether the limits impose any throttling.
func (limits RateLimits) IsThrottled() bool {
	return limits.ReadBytesPerSecond > 0 || limits.WriteBytesPerSecond > 0
}

const throttleChunkSize = 4096

// ThrottledConn wraps a net.Conn with read and write rate limiters, using
// token buckets to pace I/O at the specified bytes per second. A limit
// value of 0 imposes no limit for that direction.
type ThrottledConn struct {
	net.Conn
	readLimiter  *rate.Limiter
	writeLimiter *rate.Limiter
}

// NewThrottledConn initializes a new ThrottledConn.
func NewThrottledConn(conn net.Conn, limits RateLimits) *ThrottledConn {

	newLimiter := func(bytesPerSecond int64) *rate.Limiter {
		if bytesPerSecond <= 0 {
			return nil
		}
		burst := int(bytesPerSecond)
		if burst < throttleChunkSize {
			burst = throttleChunkSize
		}
		return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
	}

	return &ThrottledConn{
		Conn:         conn,
		readLimiter:  newLimiter(limits.ReadBytesPerSecond),
		writeLimiter: newLimiter(limits.WriteBytesPerSecond),
	}
}

func (conn *ThrottledConn) Read(buffer []byte) (int, error) {
	if conn.readLimiter != nil {
		// Cap the read size so the token request never exceeds the
		// limiter burst.
		if len(buffer) > throttleChunkSize {
			buffer = buffer[:throttleChunkSize]
		}
		n, err := conn.Conn.Read(buffer)
		if n > 0 {
			waitErr := conn.readLimiter.WaitN(context.Background(), n)
			if err == nil {
				err = waitErr
			}
		}
		return n, err
	}
	return conn.Conn.Read(buffer)
}

func (conn *ThrottledConn) Write(buffer []byte) (int, error) {
	if conn.writeLimiter != nil {
		written := 0
		for written < len(buffer) {
			chunk := buffer[written:]
			if len(chunk) > throttleChunkSize {
				chunk = chunk[:throttleChunkSize]
			}
			err := conn.writeLimiter.WaitN(
				context.Background(), len(chunk))
			if err != nil {
				return written, err
			}
			n, err := conn.Conn.Write(chunk)
			written += n
			if err != nil {
				return written, err
			}
		}
		return written, nil
	}
	return conn.Conn.Write(buffer)
}
