package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_mcp2515-gw._tcp"

// startMDNS advertises the TCP endpoint until ctx ends.
func startMDNS(ctx context.Context, cfg *appConfig, port int) error {
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = "mcp2515-gw-" + host
	}
	meta := []string{
		"backend=" + cfg.backend,
		"mode=" + cfg.opMode().String(),
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return fmt.Errorf("mdns register: %w", err)
	}
	context.AfterFunc(ctx, svc.Shutdown)
	return nil
}

// listenPort extracts the port from a bound listener address.
func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}
