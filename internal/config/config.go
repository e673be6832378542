// Package config loads the node-level configuration shared by cmd/client
// and cmd/gateway: listen addresses, STUN/TURN servers, and the socket
// buffer-size env vars spec §6 names. It follows the teacher's
// cmd/traffic/cmd/manager/internal/config package - a small yaml-tagged
// struct with a custom decode hook - generalized from a single Mode field
// to the full set this node needs, loaded from an optional YAML file with
// the buffer-size env vars applied over it. The spf13/cobra commands in cmd/
// bind only the --config path flag; no flag overrides a field.
package config

import (
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/firezone/connlib/pkg/sockets"
)

// Role distinguishes the two binaries this config is shared by.
type Role uint8

const (
	RoleClient Role = iota
	RoleGateway
)

func (r *Role) UnmarshalYAML(value *yaml.Node) error {
	switch strings.ToLower(value.Value) {
	case "client":
		*r = RoleClient
	case "gateway":
		*r = RoleGateway
	default:
		return fmt.Errorf("config: invalid role %q, must be 'client' or 'gateway'", value.Value)
	}
	return nil
}

// Config is the full set of node-level settings read from a YAML file (if
// any), with the buffer-size env vars applied over it by Load.
type Config struct {
	Role Role `yaml:"role"`

	ListenV4 string `yaml:"listen_v4"`
	ListenV6 string `yaml:"listen_v6"`

	StunServers []string `yaml:"stun_servers"`
	TurnServers []string `yaml:"turn_servers"`

	// QueueCapacity bounds the per-socket send/recv channels
	// (pkg/sockets.QueueCapacityDesktop by default; mobile builds pass
	// pkg/sockets.QueueCapacityMobile instead).
	QueueCapacity int `yaml:"queue_capacity"`

	// SendBufferSize/RecvBufferSize mirror FIREZONE_UDP_SEND_BUFFER_SIZE/
	// FIREZONE_UDP_RECV_BUFFER_SIZE; the env vars, read in Load, take
	// precedence over whatever a config file sets here. These fields are not
	// passed to pkg/sockets, which reads the same env vars itself in Open.
	SendBufferSize int `yaml:"send_buffer_size"`
	RecvBufferSize int `yaml:"recv_buffer_size"`

	// UpstreamDNS is the resolver a Gateway queries over DNS-over-TCP
	// (pkg/dnstcp) to turn a DNS Resource's domain into the real address
	// pkg/gatewaynat NATs client proxy-IPs onto. Unused on a Client.
	UpstreamDNS string `yaml:"upstream_dns"`
}

// Default returns a Config with the teacher-style desktop defaults: both
// address families listening ephemerally, no relays configured, desktop
// queue capacity.
func Default(role Role) Config {
	return Config{
		Role:          role,
		ListenV4:      "0.0.0.0:0",
		ListenV6:      "[::]:0",
		QueueCapacity: sockets.QueueCapacityDesktop,
	}
}

// Load reads path (if non-empty) as YAML over the role's defaults, then
// applies FIREZONE_UDP_SEND_BUFFER_SIZE/FIREZONE_UDP_RECV_BUFFER_SIZE from
// the environment, which always win over the file.
func Load(path string, role Role) (Config, error) {
	cfg := Default(role)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if v := os.Getenv(sockets.EnvSendBufferSize); v != "" {
		cfg.SendBufferSize = parseBufferSizeOrZero(v)
	}
	if v := os.Getenv(sockets.EnvRecvBufferSize); v != "" {
		cfg.RecvBufferSize = parseBufferSizeOrZero(v)
	}

	return cfg, nil
}

func parseBufferSizeOrZero(v string) int {
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return 0
	}
	return n
}

// ResolveListenAddrs parses ListenV4/ListenV6 into *net.UDPAddr, leaving
// either nil if the corresponding field is empty (disabling that family).
func (c Config) ResolveListenAddrs() (v4, v6 *net.UDPAddr, err error) {
	if c.ListenV4 != "" {
		v4, err = net.ResolveUDPAddr("udp4", c.ListenV4)
		if err != nil {
			return nil, nil, fmt.Errorf("config: listen_v4 %q: %w", c.ListenV4, err)
		}
	}
	if c.ListenV6 != "" {
		v6, err = net.ResolveUDPAddr("udp6", c.ListenV6)
		if err != nil {
			return nil, nil, fmt.Errorf("config: listen_v6 %q: %w", c.ListenV6, err)
		}
	}
	return v4, v6, nil
}

// ResolveStunServers/ResolveTurnServers parse the configured relay address
// strings into *net.UDPAddr, surfacing the first parse failure with its
// offending address.
func (c Config) ResolveStunServers() ([]*net.UDPAddr, error) {
	return resolveUDPAddrs(c.StunServers)
}

func (c Config) ResolveTurnServers() ([]*net.UDPAddr, error) {
	return resolveUDPAddrs(c.TurnServers)
}

// ResolveUpstreamDNS parses UpstreamDNS as a TCP address, returning nil if
// it's unset (a Gateway with no DNS Resources configured).
func (c Config) ResolveUpstreamDNS() (*net.TCPAddr, error) {
	if c.UpstreamDNS == "" {
		return nil, nil
	}
	addr, err := net.ResolveTCPAddr("tcp", c.UpstreamDNS)
	if err != nil {
		return nil, fmt.Errorf("config: upstream_dns %q: %w", c.UpstreamDNS, err)
	}
	return addr, nil
}

func resolveUDPAddrs(addrs []string) ([]*net.UDPAddr, error) {
	out := make([]*net.UDPAddr, 0, len(addrs))
	for _, a := range addrs {
		udpAddr, err := net.ResolveUDPAddr("udp", a)
		if err != nil {
			return nil, fmt.Errorf("config: relay address %q: %w", a, err)
		}
		out = append(out, udpAddr)
	}
	return out, nil
}
