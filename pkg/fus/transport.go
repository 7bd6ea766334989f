package fus

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/apex/log"
)

const (
	// DefaultServiceURL is the FUS host used for the handshake and metadata exchanges
	DefaultServiceURL = "https://neofussvr.sslcs.cdngc.net"
	// DefaultDownloadURL is the CDN host serving firmware archives
	DefaultDownloadURL = "http://cloud-neofussvr.samsungmobile.com"
	// DefaultVersionURL is the host serving the public version.xml listings
	DefaultVersionURL = "https://fota-cloud-dn.ospserver.net/firmware"

	userAgent   = "Kies2.0_FUS"
	contentType = `text/xml; charset="utf-8"`
)

// TransportConfig configures a Transport
type TransportConfig struct {
	ServiceURL  string
	DownloadURL string
	VersionURL  string
	Proxy       string
	Insecure    bool
	Timeout     time.Duration
}

// Transport issues requests to FUS over a persistent set of connections.
// It never retries; retry policy belongs to the caller.
type Transport struct {
	serviceURL  string
	downloadURL string
	versionURL  string

	client *http.Client
}

// NewTransport creates a new Transport
func NewTransport(conf *TransportConfig) *Transport {
	if conf == nil {
		conf = &TransportConfig{}
	}
	t := &Transport{
		serviceURL:  strings.TrimRight(conf.ServiceURL, "/"),
		downloadURL: strings.TrimRight(conf.DownloadURL, "/"),
		versionURL:  strings.TrimRight(conf.VersionURL, "/"),
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               GetProxy(conf.Proxy),
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: conf.Insecure, MinVersion: tls.VersionTLS12},
				ForceAttemptHTTP2:   true,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
				// range offsets must address the archive bytes, not a transfer encoding
				DisableCompression: true,
			},
			Timeout: conf.Timeout,
		},
	}
	if t.serviceURL == "" {
		t.serviceURL = DefaultServiceURL
	}
	if t.downloadURL == "" {
		t.downloadURL = DefaultDownloadURL
	}
	if t.versionURL == "" {
		t.versionURL = DefaultVersionURL
	}
	return t
}

func (t *Transport) newRequest(ctx context.Context, method, url string, header http.Header, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot create http request: %w", ErrProtocol, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Cache-Control", "no-cache")
	return req, nil
}

func (t *Transport) do(req *http.Request) (*http.Response, error) {
	log.WithFields(log.Fields{
		"method": req.Method,
		"url":    req.URL.String(),
		"range":  req.Header.Get("Range"),
	}).Debug("fus request")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrNetwork, req.Method, req.URL.Redacted(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &ServerError{Status: resp.StatusCode, URL: req.URL.Redacted()}
	}
	return resp, nil
}

// Send POSTs body to the service endpoint path and returns the response stream.
// The caller must close the response body.
func (t *Transport) Send(ctx context.Context, path string, header http.Header, body io.Reader) (*http.Response, error) {
	req, err := t.newRequest(ctx, http.MethodPost, t.serviceURL+"/"+strings.TrimLeft(path, "/"), header, body)
	if err != nil {
		return nil, err
	}
	return t.do(req)
}

// SendRanged GETs path from the download host starting at byte offset. A
// positive end bounds the request to [offset, end).
func (t *Transport) SendRanged(ctx context.Context, path string, header http.Header, offset, end int64) (*http.Response, error) {
	req, err := t.newRequest(ctx, http.MethodGet, t.downloadURL+"/"+strings.TrimLeft(path, "/"), header, nil)
	if err != nil {
		return nil, err
	}
	ranged := offset > 0 || end > 0
	if ranged {
		rangeHeader := fmt.Sprintf("bytes=%d-", offset)
		if end > 0 {
			rangeHeader += fmt.Sprintf("%d", end-1)
		}
		req.Header.Set("Range", rangeHeader)
	}
	resp, err := t.do(req)
	if err != nil {
		return nil, err
	}
	if ranged && resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: server ignored range request (status %s)", ErrProtocol, resp.Status)
	}
	return resp, nil
}

// Get fetches a document from the public version host
func (t *Transport) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := t.newRequest(ctx, http.MethodGet, t.versionURL+"/"+strings.TrimLeft(path, "/"), nil, nil)
	if err != nil {
		return nil, err
	}
	return t.do(req)
}
