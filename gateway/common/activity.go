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
	"net"
)

// ActivityUpdater defines an interface for receiving I/O activity updates
// from an ActivityMonitoredConn. Values passed to UpdateActivity are the
// bytes transferred since the previous update.
type ActivityUpdater interface {
	UpdateActivity(bytesRead, bytesWritten int64)
}

// ActivityMonitoredConn wraps a net.Conn and reports I/O activity to an
// ActivityUpdater. It uses no additional locking, making it suitable for
// wrapping many conns (e.g., every proxied tunnel connection).
type ActivityMonitoredConn struct {
	net.Conn
	updater ActivityUpdater
}

// NewActivityMonitoredConn creates a new ActivityMonitoredConn.
func NewActivityMonitoredConn(
	conn net.Conn, updater ActivityUpdater) *ActivityMonitoredConn {

	return &ActivityMonitoredConn{
		Conn:    conn,
		updater: updater,
	}
}

func (conn *ActivityMonitoredConn) Read(buffer []byte) (int, error) {
	n, err := conn.Conn.Read(buffer)
	if n > 0 && conn.updater != nil {
		conn.updater.UpdateActivity(int64(n), 0)
	}
	// Note: don't wrap the error, to preserve the error type
	return n, err
}

func (conn *ActivityMonitoredConn) Write(buffer []byte) (int, error) {
	n, err := conn.Conn.Write(buffer)
	if n > 0 && conn.updater != nil {
		conn.updater.UpdateActivity(0, int64(n))
	}
	// Note: don't wrap the error, to preserve the error type
	return n, err
}
