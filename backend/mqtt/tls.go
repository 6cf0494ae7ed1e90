// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSOptions for the broker connection
type TLSOptions struct {
	// InsecureSkipVerify accepts any certificate presented by the broker.
	InsecureSkipVerify bool
	// RootCAFile is a PEM file with additional trusted roots.
	RootCAFile string
	ServerName string
}

// NewTLSConfig builds the TLS configuration for the broker connection.
// Certificates are verified against the system roots unless InsecureSkipVerify is set.
func NewTLSConfig(opts TLSOptions) (*tls.Config, error) {
	config := &tls.Config{
		InsecureSkipVerify: opts.InsecureSkipVerify,
		ServerName:         opts.ServerName,
	}
	if opts.RootCAFile == "" {
		return config, nil
	}
	roots, err := x509.SystemCertPool()
	if err != nil || roots == nil {
		roots = x509.NewCertPool()
	}
	pem, err := os.ReadFile(opts.RootCAFile)
	if err != nil {
		return nil, fmt.Errorf("could not read root CA file: %w", err)
	}
	if !roots.AppendCertsFromPEM(pem) {
		return nil, errors.New("could not load any CA from the root CA file")
	}
	config.RootCAs = roots
	return config, nil
}
