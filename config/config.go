package config

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/drio/minilan/conn"
	"github.com/drio/minilan/device"
)

// Config holds a minilan endpoint configuration.
type Config struct {
	Certificate string // PEM certificate path
	PrivateKey  string // PEM private key path
	// CA holds the PEM trust anchors. Without it any valid self-signed
	// certificate verifies, so Policy only admits the configured peers.
	CA string

	Peers      []netip.AddrPort
	ListenPort int
	TunName    string
	TunAddress string

	ContactPeriod     time.Duration
	StaleTimeout      time.Duration
	SessionTimeout    time.Duration
	KeepaliveInterval time.Duration
	SessionLifetime   time.Duration
	MaxPeers          int

	MetricsAddress string
	Debug          bool
}

// LoadConfig reads and parses a Key = Value configuration file. Relative
// PEM paths are resolved against the directory of the file.
func LoadConfig(configFile string) (*Config, error) {
	// Validate and clean the config file path to prevent directory traversal
	cleanPath := filepath.Clean(configFile)

	// Ensure the path doesn't contain directory traversal attempts
	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("invalid config file path: directory traversal not allowed")
	}

	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %v", err)
	}
	defer file.Close()

	config := &Config{}
	dir := filepath.Dir(cleanPath)
	resolve := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}

	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := config.set(key, value, resolve); err != nil {
			return nil, fmt.Errorf("line %d: %v", lineNo, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %v", err)
	}

	// Validate required configuration values
	var missing []string

	if config.Certificate == "" {
		missing = append(missing, "Certificate")
	}
	if config.PrivateKey == "" {
		missing = append(missing, "PrivateKey")
	}
	if config.ListenPort == 0 {
		missing = append(missing, "ListenPort")
	}
	if config.TunName == "" {
		missing = append(missing, "TunName")
	}
	if config.TunAddress == "" {
		missing = append(missing, "TunAddress")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required configuration values: %v", missing)
	}

	return config, nil
}

func (c *Config) set(key, value string, resolve func(string) string) error {
	var err error
	switch key {
	case "Certificate":
		c.Certificate = resolve(value)

	case "PrivateKey":
		c.PrivateKey = resolve(value)

	case "CA":
		c.CA = resolve(value)

	case "Peer":
		ep, perr := netip.ParseAddrPort(value)
		if perr != nil {
			return fmt.Errorf("invalid peer endpoint %q: %v", value, perr)
		}
		c.Peers = append(c.Peers, ep)

	case "ListenPort":
		port, perr := strconv.Atoi(value)
		if perr != nil || port < 1 || port > 65535 {
			return fmt.Errorf("invalid listen port: %v", value)
		}
		c.ListenPort = port

	case "TunName":
		c.TunName = value

	case "TunAddress":
		c.TunAddress = value

	case "ContactPeriod":
		c.ContactPeriod, err = parseDuration(key, value)

	case "StaleTimeout":
		c.StaleTimeout, err = parseDuration(key, value)

	case "SessionTimeout":
		c.SessionTimeout, err = parseDuration(key, value)

	case "KeepaliveInterval":
		c.KeepaliveInterval, err = parseDuration(key, value)

	case "SessionLifetime":
		c.SessionLifetime, err = parseDuration(key, value)

	case "MaxPeers":
		n, perr := strconv.Atoi(value)
		if perr != nil || n < 1 {
			return fmt.Errorf("invalid max peers: %v", value)
		}
		c.MaxPeers = n

	case "MetricsAddress":
		c.MetricsAddress = value

	case "Debug":
		c.Debug, err = strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid debug flag: %v", value)
		}
	}
	return err
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return d, nil
}

// Policy returns the acceptance policy implied by the trust settings: with a
// CA every certificate it signed may connect, without one only the listed
// peers may.
func (c *Config) Policy() device.Policy {
	if c.CA != "" {
		return device.AcceptAll{}
	}
	allowed := make(device.AllowList, len(c.Peers))
	for _, ep := range c.Peers {
		allowed[conn.Canonical(ep)] = true
	}
	return allowed
}
