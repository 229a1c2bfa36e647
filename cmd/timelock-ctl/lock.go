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

package main

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap-incubator/timelock/server/core"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// parseToken parses the "<request-id>@<epoch>.<replica>" form printed by
// the lock command.
func parseToken(s string) (core.LockToken, error) {
	parts := strings.SplitN(s, "@", 2)
	if len(parts) != 2 {
		return core.LockToken{}, errors.Errorf("invalid lock token %q", s)
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		return core.LockToken{}, errors.WithStack(err)
	}
	leadership, err := core.ParseLeadershipToken(parts[1])
	if err != nil {
		return core.LockToken{}, err
	}
	return core.LockToken{RequestID: id, Leadership: leadership}, nil
}

func parseTokens(args []string) ([]core.LockToken, error) {
	tokens := make([]core.LockToken, 0, len(args))
	for _, arg := range args {
		t, err := parseToken(arg)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, nil
}

func tokenStrings(tokens []core.LockToken) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, t.String())
	}
	return out
}

func newLockCommand() *cobra.Command {
	var (
		timeout time.Duration
		shared  bool
		wait    bool
	)
	m := &cobra.Command{
		Use:   "lock <key>...",
		Short: "acquire locks and print the token",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := core.LockExclusive
			if shared {
				mode = core.LockShared
			}
			descriptors := make([]core.LockDescriptor, 0, len(args))
			for _, key := range args {
				descriptors = append(descriptors, core.LockDescriptor{Key: key, Mode: mode})
			}
			cli, err := newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, err := commandContext()
			if err != nil {
				return err
			}

			timeoutMs := int64(timeout / time.Millisecond)
			if wait {
				resp, err := cli.WaitForLocks(ctx, &core.WaitForLocksRequest{
					RequestID:        uuid.New(),
					Descriptors:      descriptors,
					AcquireTimeoutMs: timeoutMs,
				})
				if err != nil {
					return err
				}
				printJSON(cmd, resp)
				return nil
			}
			resp, err := cli.Lock(ctx, &core.LockRequest{
				RequestID:         uuid.New(),
				Descriptors:       descriptors,
				AcquireTimeoutMs:  timeoutMs,
				ClientDescription: "timelock-ctl",
			})
			if err != nil {
				return err
			}
			if !resp.WasSuccessful() {
				return errors.Errorf("timed out after %s", timeout)
			}
			cmd.Println(resp.Token.String())
			return nil
		},
	}
	m.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "acquire timeout")
	m.Flags().BoolVar(&shared, "shared", false, "take shared locks")
	m.Flags().BoolVar(&wait, "wait", false, "only wait until the locks are free")
	return m
}

func newUnlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unlock <token>...",
		Short: "release lock tokens",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := parseTokens(args)
			if err != nil {
				return err
			}
			cli, err := newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, err := commandContext()
			if err != nil {
				return err
			}
			unlocked, err := cli.Unlock(ctx, tokens)
			if err != nil {
				return err
			}
			printJSON(cmd, tokenStrings(unlocked))
			return nil
		},
	}
}

func newRefreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh <token>...",
		Short: "refresh lock leases",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens, err := parseTokens(args)
			if err != nil {
				return err
			}
			cli, err := newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, err := commandContext()
			if err != nil {
				return err
			}
			refreshed, err := cli.RefreshLockLeases(ctx, tokens)
			if err != nil {
				return err
			}
			printJSON(cmd, tokenStrings(refreshed))
			return nil
		},
	}
}
