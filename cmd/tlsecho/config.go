// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Config is the configuration of the command. It is read from a YAML file and flags override
// the file.
type Config struct {
	Mode        string    `yaml:"mode"`
	Listen      string    `yaml:"listen"`
	Connect     string    `yaml:"connect"`
	ServerName  string    `yaml:"server_name"`
	CertFile    string    `yaml:"cert_file"`
	KeyFile     string    `yaml:"key_file"`
	CAFile      string    `yaml:"ca_file"`
	Fingerprint string    `yaml:"fingerprint"`
	ALPN        []string  `yaml:"alpn"`
	Proxy       string    `yaml:"proxy"`
	Workers     int       `yaml:"workers"`
	Timeout     string    `yaml:"timeout"`
	MetricsAddr string    `yaml:"metrics_addr"`
	Message     string    `yaml:"message"`
	AWS         AWSConfig `yaml:"aws"`
	Verbose     bool      `yaml:"verbose"`

	timeout time.Duration
}

// AWSConfig makes the client send a SigV4-signed HTTP request instead of an echo message.
type AWSConfig struct {
	Region  string `yaml:"region"`
	Service string `yaml:"service"`
}

func defaultConfig() Config {
	return Config{
		Mode:    "server",
		Listen:  "localhost:8443",
		Workers: runtime.NumCPU(),
		Timeout: "30s",
		Message: "hello",
	}
}

// parseConfig parses args, loads the file named by -config and applies the flags set in args.
func parseConfig(args []string, output io.Writer) (*Config, error) {
	fs := flag.NewFlagSet("tlsecho", flag.ContinueOnError)
	fs.SetOutput(output)
	var flags Config
	configFlag := fs.String("config", "", "YAML configuration file")
	fs.StringVar(&flags.Mode, "mode", "", "Either server or client")
	fs.StringVar(&flags.Listen, "listen", "", "Address to listen on. Use unix:<path> for a Unix socket")
	fs.StringVar(&flags.Connect, "connect", "", "Address of the server to connect to")
	fs.StringVar(&flags.ServerName, "sni", "", "Server name to send and verify. Defaults to the host of -connect")
	fs.StringVar(&flags.CertFile, "cert", "", "Server certificate chain in PEM")
	fs.StringVar(&flags.KeyFile, "key", "", "Server private key in PEM")
	fs.StringVar(&flags.CAFile, "ca", "", "PEM roots the client trusts instead of the system roots")
	fs.StringVar(&flags.Fingerprint, "fingerprint", "", "Browser ClientHello to mimic")
	alpnFlag := fs.String("alpn", "", "Comma-separated ALPN protocols")
	fs.StringVar(&flags.Proxy, "proxy", "", "SOCKS5 proxy for client connections")
	fs.IntVar(&flags.Workers, "workers", 0, "Number of scheduler threads")
	fs.StringVar(&flags.Timeout, "timeout", "", "Timeout of each socket operation")
	fs.StringVar(&flags.MetricsAddr, "metrics", "", "Address to serve Prometheus metrics on")
	fs.StringVar(&flags.Message, "message", "", "Message the client sends")
	fs.StringVar(&flags.AWS.Region, "aws-region", "", "Sign a request for this AWS region instead of echoing")
	fs.StringVar(&flags.AWS.Service, "aws-service", "s3", "AWS service of the signed request")
	fs.BoolVar(&flags.Verbose, "v", false, "Enable debug output")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if *configFlag != "" {
		data, err := os.ReadFile(*configFlag)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if cfg.AWS.Service == "" {
		cfg.AWS.Service = "s3"
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Mode = flags.Mode
		case "listen":
			cfg.Listen = flags.Listen
		case "connect":
			cfg.Connect = flags.Connect
		case "sni":
			cfg.ServerName = flags.ServerName
		case "cert":
			cfg.CertFile = flags.CertFile
		case "key":
			cfg.KeyFile = flags.KeyFile
		case "ca":
			cfg.CAFile = flags.CAFile
		case "fingerprint":
			cfg.Fingerprint = flags.Fingerprint
		case "alpn":
			cfg.ALPN = splitList(*alpnFlag)
		case "proxy":
			cfg.Proxy = flags.Proxy
		case "workers":
			cfg.Workers = flags.Workers
		case "timeout":
			cfg.Timeout = flags.Timeout
		case "metrics":
			cfg.MetricsAddr = flags.MetricsAddr
		case "message":
			cfg.Message = flags.Message
		case "aws-region":
			cfg.AWS.Region = flags.AWS.Region
		case "aws-service":
			cfg.AWS.Service = flags.AWS.Service
		case "v":
			cfg.Verbose = flags.Verbose
		}
	})
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) validate() error {
	var errs []error
	switch c.Mode {
	case "server":
		if c.Listen == "" {
			errs = append(errs, errors.New("server mode requires listen"))
		}
		if c.CertFile == "" || c.KeyFile == "" {
			errs = append(errs, errors.New("server mode requires cert_file and key_file"))
		}
	case "client":
		if c.Connect == "" {
			errs = append(errs, errors.New("client mode requires connect"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", c.Mode))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.Timeout != "" {
		d, err := time.ParseDuration(c.Timeout)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid timeout: %w", err))
		}
		c.timeout = d
	}
	return errors.Join(errs...)
}
