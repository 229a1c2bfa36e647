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
	"context"
	"strconv"

	"github.com/pingcap-incubator/timelock/server/core"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// commandContext applies the --leadership flag.
func commandContext() (context.Context, error) {
	if leadershipAsserted == "" {
		return globalContext, nil
	}
	token, err := core.ParseLeadershipToken(leadershipAsserted)
	if err != nil {
		return nil, err
	}
	return core.WithLeadership(globalContext, token), nil
}

func newTimestampCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "timestamp",
		Short: "get a fresh timestamp",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, err := commandContext()
			if err != nil {
				return err
			}
			ts, err := cli.GetFreshTimestamp(ctx)
			if err != nil {
				return err
			}
			cmd.Println(ts)
			return nil
		},
	}
}

func newTimestampsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "timestamps <count>",
		Short: "get a range of fresh timestamps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return errors.Errorf("invalid count %q", args[0])
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
			rng, err := cli.GetFreshTimestamps(ctx, count)
			if err != nil {
				return err
			}
			printJSON(cmd, rng)
			return nil
		},
	}
}

func newImmutableTimestampCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "immutable-timestamp",
		Short: "get the immutable timestamp",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			ctx, err := commandContext()
			if err != nil {
				return err
			}
			ts, err := cli.GetImmutableTimestamp(ctx)
			if err != nil {
				return err
			}
			cmd.Println(ts)
			return nil
		},
	}
}

func newLeaderCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "leader",
		Short: "show the leader and its term",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := newClient()
			if err != nil {
				return err
			}
			defer cli.Close()
			ms, err := cli.CurrentTimeMillis(globalContext)
			if err != nil {
				return err
			}
			out := map[string]interface{}{
				"leader":              cli.GetLeaderAddr(),
				"current-time-millis": ms,
			}
			if token, ok := cli.GetLeadership(); ok {
				out["leadership"] = token.String()
			}
			printJSON(cmd, out)
			return nil
		},
	}
}
