package main

import (
	"fmt"
	"net"
	"strconv"
)

const (
	defaultHost = "0.0.0.0"
	defaultPort = 4836
)

// parseArgs interprets the optional positional [host] [port] arguments.
func parseArgs(args []string) (host string, port int, err error) {
	host = defaultHost
	port = defaultPort

	if len(args) > 2 {
		return "", 0, fmt.Errorf("expected at most [host] [port], got %d arguments", len(args))
	}
	if len(args) >= 1 {
		if args[0] == "" {
			return "", 0, fmt.Errorf("host must not be empty")
		}
		host = args[0]
	}
	if len(args) == 2 {
		p, perr := strconv.Atoi(args[1])
		if perr != nil || p < 1 || p > 65535 {
			return "", 0, fmt.Errorf("invalid port %q", args[1])
		}
		port = p
	}
	return host, port, nil
}

// serverURL is the address peers type or scan to reach this instance. A
// wildcard bind is substituted with the machine's LAN address, since
// 0.0.0.0 means nothing to another device.
func serverURL(host string, port int) string {
	display := host
	if host == defaultHost || host == "::" {
		display = lanIP()
	}
	return fmt.Sprintf("http://%s:%d", display, port)
}

// lanIP finds the primary outbound IPv4. The dial never sends a packet; it
// only forces the kernel to pick a route.
func lanIP() string {
	if conn, err := net.Dial("udp4", "8.8.8.8:80"); err == nil {
		defer conn.Close()
		if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
			return addr.IP.String()
		}
	}

	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipNet, ok := a.(*net.IPNet); ok && !ipNet.IP.IsLoopback() && ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
