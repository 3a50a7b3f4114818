package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// MQTTTLS builds a *tls.Config for the broker connection. Returns nil, nil
// when no CA or client certificate is configured, in which case the broker
// URL scheme alone decides whether TLS is used.
func (c *Config) MQTTTLS() (*tls.Config, error) {
	if c.MQTTTLSCert == "" && c.MQTTTLSKey == "" && c.MQTTTLSCACert == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if c.MQTTTLSCert != "" || c.MQTTTLSKey != "" {
		cert, err := tls.LoadX509KeyPair(c.MQTTTLSCert, c.MQTTTLSKey)
		if err != nil {
			return nil, fmt.Errorf("load mqtt client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if c.MQTTTLSCACert != "" {
		caPEM, err := os.ReadFile(c.MQTTTLSCACert)
		if err != nil {
			return nil, fmt.Errorf("read mqtt CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse mqtt CA cert")
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}
