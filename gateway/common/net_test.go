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
	"testing"
)

func TestAddrHelpers(t *testing.T) {

	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 8080}

	if IPAddressFromAddr(addr) != "192.0.2.1" {
		t.Fatalf("unexpected IP address")
	}
	if PortFromAddr(addr) != 8080 {
		t.Fatalf("unexpected port")
	}

	if IPAddressFromAddr(nil) != "" {
		t.Fatalf("expected no IP address")
	}
	if PortFromAddr(nil) != 0 {
		t.Fatalf("expected no port")
	}
}

func TestConns(t *testing.T) {

	conns := NewConns()

	conn1Client, conn1Server := net.Pipe()
	defer conn1Client.Close()
	conn2Client, conn2Server := net.Pipe()
	defer conn2Client.Close()

	if !conns.Add(conn1Server) || !conns.Add(conn2Server) {
		t.Fatalf("Add failed")
	}
	if conns.Len() != 2 {
		t.Fatalf("unexpected conns length: %d", conns.Len())
	}

	conns.Remove(conn1Server)
	if conns.Len() != 1 {
		t.Fatalf("unexpected conns length: %d", conns.Len())
	}

	conns.CloseAll()
	if conns.Len() != 0 {
		t.Fatalf("unexpected conns length: %d", conns.Len())
	}

	// conn2Server was closed by CloseAll.
	buffer := make([]byte, 1)
	if _, err := conn2Client.Read(buffer); err == nil {
		t.Fatalf("expected closed conn")
	}

	// No adds after CloseAll, until Reset.
	if conns.Add(conn1Server) {
		t.Fatalf("expected Add to fail after CloseAll")
	}
	conns.Reset()
	if !conns.Add(conn1Server) {
		t.Fatalf("Add failed after Reset")
	}
}
