// Package config loads client options from a YAML file. Absent keys keep
// the built-in defaults, so a partial file only overrides what it names.
package config

import (
	"os"
	"time"

	"fetchstack/client"
	"fetchstack/netstream"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Duration parses YAML scalars like "30s" or "2m" into a time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return errors.Wrap(err, "decoding duration")
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "parsing duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

// TLS mirrors netstream.TLSOptions in file form.
type TLS struct {
	VerifyPeer  *bool  `yaml:"verify_peer"`
	CAFile      string `yaml:"ca_file"`
	CertFile    string `yaml:"cert_file"`
	KeyFile     string `yaml:"key_file"`
	KeyEncoding string `yaml:"key_encoding"`
	ServerName  string `yaml:"server_name"`
}

// File is the YAML shape of the client options. Pointer fields distinguish
// "absent" from an explicit zero.
type File struct {
	Timeout               *Duration `yaml:"timeout"`
	KeepAlive             *bool     `yaml:"keep_alive"`
	MaxRedirects          *uint     `yaml:"max_redirects"`
	MaxContentLength      *uint     `yaml:"max_content_length"`
	MaxHeadersLength      *uint     `yaml:"max_headers_length"`
	BufferSize            *uint     `yaml:"buffer_size"`
	Verbosity             *int      `yaml:"verbosity"`
	StrictRedirectMethods *bool     `yaml:"strict_redirect_methods"`
	IdleTimeout           *Duration `yaml:"idle_timeout"`
	TLS                   TLS       `yaml:"tls"`
}

// Load reads path and returns the defaults overridden by whatever the file
// sets.
func Load(path string) (client.Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return client.Options{}, errors.Wrapf(err, "reading config file %s", path)
	}
	return Parse(raw)
}

// Parse applies YAML content on top of client.DefaultOptions.
func Parse(raw []byte) (client.Options, error) {
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return client.Options{}, errors.Wrap(err, "parsing config")
	}

	opts := client.DefaultOptions()

	if file.Timeout != nil {
		opts.Timeout = time.Duration(*file.Timeout)
	}
	if file.KeepAlive != nil {
		opts.KeepAlive = *file.KeepAlive
	}
	if file.MaxRedirects != nil {
		opts.MaxRedirects = *file.MaxRedirects
	}
	if file.MaxContentLength != nil {
		opts.MaxContentLength = *file.MaxContentLength
	}
	if file.MaxHeadersLength != nil {
		opts.MaxHeadersLength = *file.MaxHeadersLength
	}
	if file.BufferSize != nil {
		opts.BufferSize = *file.BufferSize
	}
	if file.Verbosity != nil {
		opts.Verbosity = *file.Verbosity
	}
	if file.StrictRedirectMethods != nil {
		opts.StrictRedirectMethods = *file.StrictRedirectMethods
	}
	if file.IdleTimeout != nil {
		opts.IdleTimeout = time.Duration(*file.IdleTimeout)
	}

	opts.TLS = netstream.TLSOptions{
		VerifyPeer:  file.TLS.VerifyPeer != nil && *file.TLS.VerifyPeer,
		CAFile:      file.TLS.CAFile,
		CertFile:    file.TLS.CertFile,
		KeyFile:     file.TLS.KeyFile,
		KeyEncoding: file.TLS.KeyEncoding,
		ServerName:  file.TLS.ServerName,
	}

	return opts, nil
}
