package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"
	"time"

	"github.com/lucasew/imgprefetch/internal/errutil"
)

// DefaultTimeout bounds a single request to the image service.
const DefaultTimeout = 30 * time.Second

// NewClient creates an http.Client for talking to the image service.
// caFile optionally points to a PEM bundle that is added to the system pool.
// A zero timeout selects DefaultTimeout.
func NewClient(caFile string, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = 16

	if caFile != "" {
		rootCAs, err := x509.SystemCertPool()
		if err != nil || rootCAs == nil {
			rootCAs = x509.NewCertPool()
		}
		pem, err := os.ReadFile(caFile)
		if err != nil {
			errutil.ReportError(err, "Failed to read CA bundle", "path", caFile)
		} else if !rootCAs.AppendCertsFromPEM(pem) {
			errutil.LogMsg(os.ErrInvalid, "No certificates found in CA bundle", "path", caFile)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: rootCAs}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
