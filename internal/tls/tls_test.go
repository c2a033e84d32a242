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

package tls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firequery/fanout/pkg/common/observability/logging"
)

func writeCertificate(t *testing.T, dir string, serial int64) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: "leader.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	// Write the key first so a reload triggered by the cert write sees a matching pair.
	require.NoError(t, os.WriteFile(filepath.Join(dir, KeyFile),
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, CertFile),
		pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
}

func serialOf(r *CertReloader) int64 {
	cert := r.Get()
	if cert == nil || len(cert.Certificate) == 0 {
		return -1
	}
	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return -1
	}
	return parsed.SerialNumber.Int64()
}

func TestCreateSelfSignedTLSCertificate(t *testing.T) {
	t.Parallel()
	cert, err := CreateSelfSignedTLSCertificate(logging.NewTestLogger())
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)

	parsed, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, parsed.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	assert.True(t, parsed.NotAfter.After(time.Now().Add(365*24*time.Hour)))
}

func TestCertReloader(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeCertificate(t, dir, 1)
	initial, err := LoadCertificate(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(logging.NewTestLoggerIntoContext(context.Background()))
	defer cancel()
	reloader, err := NewCertReloader(ctx, dir, &initial)
	require.NoError(t, err)
	assert.Equal(t, int64(1), serialOf(reloader))

	for serial := int64(2); serial <= 3; serial++ {
		writeCertificate(t, dir, serial)
		want := serial
		require.Eventually(t, func() bool { return serialOf(reloader) == want }, 10*time.Second, 50*time.Millisecond,
			"certificate was not reloaded to serial %d", serial)
	}

	// A broken pair keeps the last good certificate.
	require.NoError(t, os.WriteFile(filepath.Join(dir, CertFile), []byte("not a certificate"), 0o600))
	time.Sleep(3 * debounceDelay)
	assert.Equal(t, int64(3), serialOf(reloader))
}

func TestServerCredentials(t *testing.T) {
	t.Parallel()
	logger := logging.NewTestLogger()

	creds, err := ServerCredentials(context.Background(), "", false, logger)
	require.NoError(t, err)
	assert.Equal(t, "tls", creds.Info().SecurityProtocol)

	_, err = ServerCredentials(context.Background(), t.TempDir(), false, logger)
	assert.Error(t, err, "an empty certificate directory must fail")
}
