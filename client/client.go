// Copyright 2016 PingCAP, Inc.
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

// Package client is the HTTP client of a timelock cluster. It finds the
// leader by following the hints of not-leader replies.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/timelock/pkg/apiutil"
	"github.com/pingcap-incubator/timelock/server/config"
	"github.com/pingcap-incubator/timelock/server/core"
	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Client is a timelock client.
// It should not be used after calling Close().
type Client interface {
	// GetFreshTimestamp gets a timestamp greater than every timestamp
	// handed out before.
	GetFreshTimestamp(ctx context.Context) (int64, error)
	// GetFreshTimestamps gets a contiguous range of at most count fresh
	// timestamps.
	GetFreshTimestamps(ctx context.Context, count int64) (core.TimestampRange, error)
	// LockImmutableTimestamp locks a fresh immutable timestamp.
	LockImmutableTimestamp(ctx context.Context) (*core.LockImmutableTimestampResponse, error)
	// GetImmutableTimestamp gets the smallest locked immutable timestamp.
	GetImmutableTimestamp(ctx context.Context) (int64, error)
	// Lock acquires locks. A response without token means it timed out.
	Lock(ctx context.Context, req *core.LockRequest) (*core.LockResponse, error)
	// WaitForLocks waits until the locks are free.
	WaitForLocks(ctx context.Context, req *core.WaitForLocksRequest) (*core.WaitForLocksResponse, error)
	// RefreshLockLeases extends the leases and returns the tokens still held.
	RefreshLockLeases(ctx context.Context, tokens []core.LockToken) ([]core.LockToken, error)
	// Unlock releases the tokens and returns those that were held.
	Unlock(ctx context.Context, tokens []core.LockToken) ([]core.LockToken, error)
	// CurrentTimeMillis gets the wall clock of the leader.
	CurrentTimeMillis(ctx context.Context) (int64, error)
	// GetLeaderAddr returns the url of the replica believed to lead.
	GetLeaderAddr() string
	// GetLeadership returns the term of the last successful reply.
	GetLeadership() (core.LeadershipToken, bool)
	// Close closes the client.
	Close()
}

// SecurityOption records options about tls
type SecurityOption struct {
	CAPath   string
	CertPath string
	KeyPath  string
}

const (
	timelockPrefix  = "/timelock/api/v1"
	requestTimeout  = 3 * time.Second
	maxRetryBackoff = 2 * time.Second
)

var (
	// errClosing is returned when request is canceled when client is closing.
	errClosing = errors.New("[timelock] closing")
	// errNoReplica is returned when no replica answered.
	errNoReplica = errors.New("[timelock] no replica available")
)

type client struct {
	urls []string
	http *http.Client
	// maxRetries bounds the attempts of one call.
	maxRetries int

	mu         sync.RWMutex
	leader     string
	leadership *core.LeadershipToken

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a timelock client for the given replica urls.
func NewClient(urls []string, security SecurityOption) (Client, error) {
	return NewClientWithContext(context.Background(), urls, security)
}

// NewClientWithContext creates a timelock client with context.
func NewClientWithContext(ctx context.Context, urls []string, security SecurityOption) (Client, error) {
	log.Info("[timelock] create timelock client with endpoints", zap.Strings("urls", urls))
	if len(urls) == 0 {
		return nil, errors.New("[timelock] no endpoints")
	}
	tlsConfig, err := config.SecurityConfig{
		CAPath:   security.CAPath,
		CertPath: security.CertPath,
		KeyPath:  security.KeyPath,
	}.ToTLSConfig()
	if err != nil {
		return nil, err
	}
	c := &client{
		urls: addrsToUrls(urls, tlsConfig != nil),
		http: &http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsConfig},
		},
		maxRetries: 2*len(urls) + 2,
	}
	c.leader = c.urls[0]
	c.ctx, c.cancel = context.WithCancel(ctx)
	return c, nil
}

func addrsToUrls(addrs []string, secure bool) []string {
	urls := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		addr = strings.TrimSuffix(addr, "/")
		if !strings.Contains(addr, "://") {
			if secure {
				addr = "https://" + addr
			} else {
				addr = "http://" + addr
			}
		}
		urls = append(urls, addr)
	}
	return urls
}

func (c *client) Close() {
	c.cancel()
	c.http.CloseIdleConnections()
}

func (c *client) GetLeaderAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.leader
}

func (c *client) GetLeadership() (core.LeadershipToken, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.leadership == nil {
		return core.LeadershipToken{}, false
	}
	return *c.leadership, true
}

func (c *client) switchLeader(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if addr == c.leader {
		return
	}
	log.Info("[timelock] switch leader", zap.String("new-leader", addr), zap.String("old-leader", c.leader))
	c.leader = addr
}

// candidates returns the leader first, then the other replicas.
func (c *client) candidates() []string {
	leader := c.GetLeaderAddr()
	out := make([]string, 0, len(c.urls)+1)
	out = append(out, leader)
	for _, u := range c.urls {
		if u != leader {
			out = append(out, u)
		}
	}
	return out
}

func (c *client) GetFreshTimestamp(ctx context.Context) (int64, error) {
	var ts int64
	return ts, c.call(ctx, "/fresh-timestamp", nil, &ts)
}

func (c *client) GetFreshTimestamps(ctx context.Context, count int64) (core.TimestampRange, error) {
	var rng core.TimestampRange
	return rng, c.call(ctx, "/fresh-timestamps", count, &rng)
}

func (c *client) LockImmutableTimestamp(ctx context.Context) (*core.LockImmutableTimestampResponse, error) {
	resp := &core.LockImmutableTimestampResponse{}
	req := &core.LockImmutableTimestampRequest{RequestID: uuid.New()}
	if err := c.call(ctx, "/lock-immutable-timestamp", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *client) GetImmutableTimestamp(ctx context.Context) (int64, error) {
	var ts int64
	return ts, c.call(ctx, "/immutable-timestamp", nil, &ts)
}

func (c *client) Lock(ctx context.Context, req *core.LockRequest) (*core.LockResponse, error) {
	resp := &core.LockResponse{}
	if err := c.callLong(ctx, "/lock", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *client) WaitForLocks(ctx context.Context, req *core.WaitForLocksRequest) (*core.WaitForLocksResponse, error) {
	resp := &core.WaitForLocksResponse{}
	if err := c.callLong(ctx, "/await-locks", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *client) RefreshLockLeases(ctx context.Context, tokens []core.LockToken) ([]core.LockToken, error) {
	var refreshed []core.LockToken
	return refreshed, c.call(ctx, "/refresh-locks", tokens, &refreshed)
}

func (c *client) Unlock(ctx context.Context, tokens []core.LockToken) ([]core.LockToken, error) {
	var unlocked []core.LockToken
	return unlocked, c.call(ctx, "/unlock", tokens, &unlocked)
}

func (c *client) CurrentTimeMillis(ctx context.Context) (int64, error) {
	var ms int64
	return ms, c.call(ctx, "/current-time-millis", nil, &ms)
}

// call runs a short request, each attempt bounded by requestTimeout.
func (c *client) call(ctx context.Context, path string, req, resp interface{}) error {
	return c.do(ctx, requestTimeout, path, req, resp)
}

// callLong runs a request that may park on the server until its acquire
// timeout, so only ctx bounds it.
func (c *client) callLong(ctx context.Context, path string, req, resp interface{}) error {
	return c.do(ctx, 0, path, req, resp)
}

func (c *client) do(ctx context.Context, timeout time.Duration, path string, req, resp interface{}) error {
	var body []byte
	if req != nil {
		var err error
		if body, err = json.Marshal(req); err != nil {
			return errors.WithStack(err)
		}
	}

	lastErr := errNoReplica
	attempt := 0
outer:
	for attempt < c.maxRetries {
		for _, addr := range c.candidates() {
			if attempt >= c.maxRetries {
				break outer
			}
			attempt++
			err := c.post(ctx, timeout, addr, path, body, resp)
			if err == nil {
				c.switchLeader(addr)
				return nil
			}
			lastErr = err
			if ctx.Err() != nil {
				return errors.WithStack(ctx.Err())
			}
			if c.ctx.Err() != nil {
				return errClosing
			}

			switch e := errors.Cause(err).(type) {
			case *core.NotLeaderError:
				if e.LeaderHint != "" && e.LeaderHint != addr {
					c.switchLeader(e.LeaderHint)
					continue outer
				}
			case *core.ThrottledError:
				if err := c.backoff(ctx, e.RetryAfter); err != nil {
					return err
				}
				continue outer
			case *core.StaleTokenError, *Error:
				return err
			}
			log.Debug("[timelock] request failed, try next replica",
				zap.String("addr", addr),
				zap.String("path", path),
				zap.Error(err))
		}
	}
	return lastErr
}

func (c *client) backoff(ctx context.Context, retryAfter time.Duration) error {
	d := maxRetryBackoff
	if retryAfter > 0 && retryAfter < d {
		d = retryAfter
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-c.ctx.Done():
		return errClosing
	}
}

func (c *client) post(ctx context.Context, timeout time.Duration, addr, path string, body []byte, resp interface{}) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, addr+timelockPrefix+path, bytes.NewReader(body))
	if err != nil {
		return errors.WithStack(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token, ok := core.LeadershipFromContext(ctx); ok {
		httpReq.Header.Set(core.LeadershipHeader, token.String())
	}
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return errors.WithStack(err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return decodeError(httpResp)
	}
	if s := httpResp.Header.Get(core.LeadershipHeader); s != "" {
		if token, err := core.ParseLeadershipToken(s); err == nil {
			c.mu.Lock()
			c.leadership = &token
			c.mu.Unlock()
		}
	}
	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(json.Unmarshal(data, resp))
}

// decodeError turns an error reply back into the typed error the server
// raised, so core.Classify works on the client side.
func decodeError(resp *http.Response) error {
	body := apiutil.ReadErrorBody(resp.Body)
	switch body.Code {
	case core.NotLeaderCode.CodeStr().String():
		e := &core.NotLeaderError{}
		_ = json.Unmarshal(body.Data, e)
		return e
	case core.ThrottledCode.CodeStr().String():
		e := &core.ThrottledError{}
		_ = json.Unmarshal(body.Data, e)
		return e
	case core.StaleTokenCode.CodeStr().String():
		e := &core.StaleTokenError{}
		_ = json.Unmarshal(body.Data, e)
		return e
	}
	if body.Code != "" {
		return &Error{Status: resp.StatusCode, Code: body.Code, Msg: body.Msg}
	}
	return &Error{Status: resp.StatusCode, Msg: body.Msg}
}

// Error is a failed reply that is not one of the typed timelock errors.
type Error struct {
	Status int
	Code   string
	Msg    string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return "[timelock] " + http.StatusText(e.Status) + ": " + e.Msg
	}
	return "[timelock] " + e.Code + ": " + e.Msg
}
