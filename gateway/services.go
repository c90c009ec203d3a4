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

// Package gateway implements a loopback port-forwarding gateway: it
// creates, isolates, and reclaims per-requester TCP tunnels from ephemeral
// public ports to services listening on 127.0.0.1. The control plane that
// authenticates callers is an external collaborator; the gateway trusts
// the requester identity handed to it.
package gateway

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/loopgate/loopgate-core/gateway/common/errors"
	"github.com/shirou/gopsutil/v4/process"
)

// RunServices initializes logging, starts a Forwarder with any configured
// static forwards and an optional load monitor, and runs until an
// os.Interrupt or SIGTERM signal is received. All forwards are closed on
// shutdown.
func RunServices(configJSON []byte) error {

	config, err := LoadConfig(configJSON)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error("load config failed")
		return errors.Trace(err)
	}

	err = InitLogging(config)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error("init logging failed")
		return errors.Trace(err)
	}

	forwarder := NewForwarder(config)

	log.WithTrace().Info("startup")

	for _, staticForward := range config.StaticForwards {
		identity, err := NewRequesterIdentity(staticForward.RequesterIP)
		if err == nil {
			_, err = forwarder.Forward(staticForward.TargetPort, identity)
		}
		if err != nil {
			forwarder.CloseAll()
			log.WithTraceFields(
				LogFields{
					"targetPort": staticForward.TargetPort,
					"error":      err,
				}).Error("static forward failed")
			return errors.Trace(err)
		}
	}

	waitGroup := new(sync.WaitGroup)
	shutdownBroadcast := make(chan struct{})

	if config.RunLoadMonitor() {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			ticker := time.NewTicker(
				time.Duration(config.LoadMonitorPeriodSeconds) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-shutdownBroadcast:
					return
				case <-ticker.C:
					logGatewayLoad(forwarder)
				}
			}
		}()
	}

	systemStopSignal := make(chan os.Signal, 1)
	signal.Notify(systemStopSignal, os.Interrupt, syscall.SIGTERM)
	<-systemStopSignal

	log.WithTrace().Info("shutdown by system")

	forwarder.CloseAll()
	close(shutdownBroadcast)
	waitGroup.Wait()

	return nil
}

// logGatewayLoad logs the forwarder's load counters along with process
// CPU and memory usage.
func logGatewayLoad(forwarder *Forwarder) {

	fields := forwarder.LoadStats()

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if cpuPercent, err := proc.CPUPercent(); err == nil {
			fields["cpuPercent"] = cpuPercent
		}
		if memoryInfo, err := proc.MemoryInfo(); err == nil {
			fields["residentSetSize"] = memoryInfo.RSS
		}
	}

	log.WithTraceFields(fields).Info("load")
}
