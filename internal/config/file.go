package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ProbeOptions is the external (file or flag) form of a probe. Nil fields
// are unset and receive defaults during normalization.
type ProbeOptions struct {
	Path               *string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"`
	PathPattern        *string `json:"pathPattern,omitempty" yaml:"pathPattern,omitempty" toml:"pathPattern,omitempty"`
	MaxTries           *int    `json:"maxTries,omitempty" yaml:"maxTries,omitempty" toml:"maxTries,omitempty"`
	RetryDelayMs       *int64  `json:"retryDelayMs,omitempty" yaml:"retryDelayMs,omitempty" toml:"retryDelayMs,omitempty"`
	TimeoutMs          *int64  `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty" toml:"timeoutMs,omitempty"`
	ResponseStatusCode *int    `json:"responseStatusCode,omitempty" yaml:"responseStatusCode,omitempty" toml:"responseStatusCode,omitempty"`
	ResponseBody       *string `json:"responseBody,omitempty" yaml:"responseBody,omitempty" toml:"responseBody,omitempty"`
}

// Options is the external form of a proxy configuration.
type Options struct {
	Command                       []string          `json:"command,omitempty" yaml:"command,omitempty" toml:"command,omitempty"`
	Environment                   map[string]string `json:"environment,omitempty" yaml:"environment,omitempty" toml:"environment,omitempty"`
	Host                          *string           `json:"host,omitempty" yaml:"host,omitempty" toml:"host,omitempty"`
	IdleTimeoutMs                 *int64            `json:"idleTimeoutMs,omitempty" yaml:"idleTimeoutMs,omitempty" toml:"idleTimeoutMs,omitempty"`
	Name                          *string           `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
	Port                          *int              `json:"port,omitempty" yaml:"port,omitempty" toml:"port,omitempty"`
	PortEnvironmentVariable       *string           `json:"portEnvironmentVariable,omitempty" yaml:"portEnvironmentVariable,omitempty" toml:"portEnvironmentVariable,omitempty"`
	Probes                        []ProbeOptions    `json:"probes,omitempty" yaml:"probes,omitempty" toml:"probes,omitempty"`
	ProxyIncomingTimeoutMs        *int64            `json:"proxyIncomingTimeoutMs,omitempty" yaml:"proxyIncomingTimeoutMs,omitempty" toml:"proxyIncomingTimeoutMs,omitempty"`
	ProxyOutgoingTimeoutMs        *int64            `json:"proxyOutgoingTimeoutMs,omitempty" yaml:"proxyOutgoingTimeoutMs,omitempty" toml:"proxyOutgoingTimeoutMs,omitempty"`
	TargetHost                    *string           `json:"targetHost,omitempty" yaml:"targetHost,omitempty" toml:"targetHost,omitempty"`
	TargetPort                    *int              `json:"targetPort,omitempty" yaml:"targetPort,omitempty" toml:"targetPort,omitempty"`
	TargetPortEnvironmentVariable *string           `json:"targetPortEnvironmentVariable,omitempty" yaml:"targetPortEnvironmentVariable,omitempty" toml:"targetPortEnvironmentVariable,omitempty"`
	TargetTerminationSignal       *string           `json:"targetTerminationSignal,omitempty" yaml:"targetTerminationSignal,omitempty" toml:"targetTerminationSignal,omitempty"`
}

// File is a config file: shared options plus one entry per proxy.
type File struct {
	Options Options   `json:"options" yaml:"options" toml:"options"`
	Proxies []Options `json:"proxies" yaml:"proxies" toml:"proxies"`
}

// Merge returns base overlaid with every field set in over.
func Merge(base, over Options) Options {
	out := base
	if len(over.Command) > 0 {
		out.Command = over.Command
	}
	if over.Environment != nil {
		out.Environment = over.Environment
	}
	if over.Probes != nil {
		out.Probes = over.Probes
	}
	setIfPresent(&out.Host, over.Host)
	setIfPresent(&out.IdleTimeoutMs, over.IdleTimeoutMs)
	setIfPresent(&out.Name, over.Name)
	setIfPresent(&out.Port, over.Port)
	setIfPresent(&out.PortEnvironmentVariable, over.PortEnvironmentVariable)
	setIfPresent(&out.ProxyIncomingTimeoutMs, over.ProxyIncomingTimeoutMs)
	setIfPresent(&out.ProxyOutgoingTimeoutMs, over.ProxyOutgoingTimeoutMs)
	setIfPresent(&out.TargetHost, over.TargetHost)
	setIfPresent(&out.TargetPort, over.TargetPort)
	setIfPresent(&out.TargetPortEnvironmentVariable, over.TargetPortEnvironmentVariable)
	setIfPresent(&out.TargetTerminationSignal, over.TargetTerminationSignal)
	return out
}

func setIfPresent[T any](dst **T, v *T) {
	if v != nil {
		*dst = v
	}
}

// Load reads a config file. The format follows the file extension: .yaml or
// .yml, .toml, and JSON otherwise. A JSON document may nest the config under
// a top-level "lzproxy" key, so it can live inside package.json.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read config: %w", err)
	}

	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &f)
	case ".toml":
		_, err = toml.Decode(string(data), &f)
	default:
		f, err = decodeJSON(data)
	}
	if err != nil {
		return File{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return f, nil
}

func decodeJSON(data []byte) (File, error) {
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return File{}, err
	}
	if nested, ok := outer["lzproxy"]; ok {
		data = nested
	}

	var f File
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&f); err != nil {
		return File{}, err
	}
	return f, nil
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
