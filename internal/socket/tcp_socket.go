// Copyright (c) 2019 The Gnet Authors. All rights reserved.
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

//go:build linux || freebsd || dragonfly || netbsd || openbsd || darwin
// +build linux freebsd dragonfly netbsd openbsd darwin

package socket

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

var listenerBacklogMaxSize = maxListenerBacklog()

func getTCPSockaddr(proto, addr string) (sa unix.Sockaddr, family int, tcpAddr *net.TCPAddr, err error) {
	tcpAddr, err = net.ResolveTCPAddr(proto, addr)
	if err != nil {
		return
	}

	if ip4 := tcpAddr.IP.To4(); ip4 != nil || len(tcpAddr.IP) == 0 && proto != "tcp6" {
		sa4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		if ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		return sa4, unix.AF_INET, tcpAddr, nil
	}

	if tcpAddr.IP.To16() == nil {
		err = fmt.Errorf("invalid TCP address %q", addr)
		return
	}
	sa6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
	copy(sa6.Addr[:], tcpAddr.IP)
	if tcpAddr.Zone != "" {
		var iface *net.Interface
		if iface, err = net.InterfaceByName(tcpAddr.Zone); err != nil {
			return
		}
		sa6.ZoneId = uint32(iface.Index)
	}
	return sa6, unix.AF_INET6, tcpAddr, nil
}

// tcpSocket creates an endpoint for communication and returns a file descriptor that refers to that endpoint.
func tcpSocket(proto, addr string, sockopts ...Option) (fd int, netAddr net.Addr, err error) {
	var (
		family   int
		sockaddr unix.Sockaddr
	)

	if sockaddr, family, _, err = getTCPSockaddr(proto, addr); err != nil {
		return
	}

	if fd, err = sysSocket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP); err != nil {
		err = os.NewSyscallError("socket", err)
		return
	}
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
		}
	}()

	for _, sockopt := range sockopts {
		if err = sockopt.SetSockopt(fd, sockopt.Opt); err != nil {
			return
		}
	}

	if err = os.NewSyscallError("bind", unix.Bind(fd, sockaddr)); err != nil {
		return
	}

	// Set backlog size to the maximum.
	if err = os.NewSyscallError("listen", unix.Listen(fd, listenerBacklogMaxSize)); err != nil {
		return
	}

	var bound unix.Sockaddr
	if bound, err = unix.Getsockname(fd); err != nil {
		err = os.NewSyscallError("getsockname", err)
		return
	}
	netAddr = SockaddrToTCPOrUnixAddr(bound)
	return
}
