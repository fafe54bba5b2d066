package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/grandcat/zeroconf"
	log "github.com/sirupsen/logrus"
)

const mdnsService = "_cavalier._tcp"

// advertise registers the chat on the local network with DNS-SD so LAN
// clients can find it. The caller shuts the returned server down.
func advertise(instance, addr string) (*zeroconf.Server, error) {
	port, err := listenPort(addr)
	if err != nil {
		return nil, err
	}
	server, err := zeroconf.Register(instance, mdnsService, "local.", port, discoveryText(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	log.WithFields(log.Fields{"instance": instance, "service": mdnsService, "port": port}).Info("mdns service registered")
	return server, nil
}

// TXT records tell clients where the API and the two channels live.
func discoveryText() []string {
	return []string{
		"api=" + apiPrefix,
		"events=" + apiPrefix + "/ws/events",
		"key=" + apiPrefix + "/ws/key",
	}
}

func listenPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("listen address %q: bad port", addr)
	}
	return port, nil
}
