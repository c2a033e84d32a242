/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package tls provides the certificates used when the client-facing gRPC server serves TLS.
package tls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"google.golang.org/grpc/credentials"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	// CertFile and KeyFile are the file names looked up in a certificate directory.
	CertFile = "tls.crt"
	KeyFile  = "tls.key"

	selfSignedValidity = 10 * 365 * 24 * time.Hour
)

// CreateSelfSignedTLSCertificate creates a self-signed cert the server can use to serve TLS.
func CreateSelfSignedTLSCertificate(logger logr.Logger) (tls.Certificate, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("error creating serial number: %w", err)
	}
	now := time.Now().UTC()
	template := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{Organization: []string{"FireQuery Fan-out"}},
		NotBefore:             now,
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("error generating key: %w", err)
	}
	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("error creating certificate: %w", err)
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("error marshalling private key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	logger.Info("Created self-signed certificate", "notAfter", template.NotAfter)
	return tls.X509KeyPair(certPEM, keyPEM)
}

// LoadCertificate loads tls.crt and tls.key from dir.
func LoadCertificate(dir string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(filepath.Join(dir, CertFile), filepath.Join(dir, KeyFile))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load certificate from %q - %w", dir, err)
	}
	return cert, nil
}

// ServerCredentials returns gRPC transport credentials. Without certDir a self-signed certificate is used. With
// reload set, the certificate in certDir is watched and swapped in when it changes, until ctx ends.
func ServerCredentials(ctx context.Context, certDir string, reload bool,
	logger logr.Logger) (credentials.TransportCredentials, error) {
	var (
		cert tls.Certificate
		err  error
	)
	if certDir == "" {
		cert, err = CreateSelfSignedTLSCertificate(logger)
	} else {
		cert, err = LoadCertificate(certDir)
	}
	if err != nil {
		return nil, err
	}

	config := &tls.Config{MinVersion: tls.VersionTLS12}
	if reload && certDir != "" {
		reloader, err := NewCertReloader(log.IntoContext(ctx, logger), certDir, &cert)
		if err != nil {
			return nil, err
		}
		config.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return reloader.Get(), nil
		}
	} else {
		config.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(config), nil
}
