// Copyright 2019 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package election

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// Peer API paths, relative to a replica's URL.
const (
	PeerAPIPrefix = "/election/v1"
	PreparePath   = PeerAPIPrefix + "/prepare"
	AcceptPath    = PeerAPIPrefix + "/accept"
	PingPath      = PeerAPIPrefix + "/ping"
)

// HTTPTransport sends election messages as JSON over HTTP.
type HTTPTransport struct {
	client *http.Client
	scheme string
}

// NewHTTPTransport creates a transport. With a non-nil tlsConfig peers are
// dialed over https.
func NewHTTPTransport(tlsConfig *tls.Config) *HTTPTransport {
	t := &HTTPTransport{
		client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:     tlsConfig,
				MaxIdleConnsPerHost: 4,
			},
		},
		scheme: "http",
	}
	if tlsConfig != nil {
		t.scheme = "https"
	}
	return t
}

// Prepare implements Transport.
func (t *HTTPTransport) Prepare(ctx context.Context, to Peer, req *PrepareRequest) (*PrepareResponse, error) {
	resp := &PrepareResponse{}
	return resp, t.post(ctx, to, PreparePath, req, resp)
}

// Accept implements Transport.
func (t *HTTPTransport) Accept(ctx context.Context, to Peer, req *AcceptRequest) (*AcceptResponse, error) {
	resp := &AcceptResponse{}
	return resp, t.post(ctx, to, AcceptPath, req, resp)
}

// Ping implements Transport.
func (t *HTTPTransport) Ping(ctx context.Context, to Peer, req *PingRequest) (*PingResponse, error) {
	resp := &PingResponse{}
	return resp, t.post(ctx, to, PingPath, req, resp)
}

// Close releases idle connections.
func (t *HTTPTransport) Close() {
	t.client.CloseIdleConnections()
}

func (t *HTTPTransport) url(to Peer, path string) string {
	u := to.URL
	if i := strings.Index(u, "://"); i >= 0 {
		u = u[i+3:]
	}
	return t.scheme + "://" + u + path
}

func (t *HTTPTransport) post(ctx context.Context, to Peer, path string, req, resp interface{}) error {
	data, err := json.Marshal(req)
	if err != nil {
		return errors.WithStack(err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url(to, path), bytes.NewReader(data))
	if err != nil {
		return errors.WithStack(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return errors.WithStack(err)
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return errors.WithStack(err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return errors.Errorf("peer %s returned %d: %s", to.Name, httpResp.StatusCode, bytes.TrimSpace(body))
	}
	return errors.WithStack(json.Unmarshal(body, resp))
}
