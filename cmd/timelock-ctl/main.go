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
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pingcap-incubator/timelock/client"
	"github.com/spf13/cobra"
)

var (
	urls               string
	caPath             string
	certPath           string
	keyPath            string
	leadershipAsserted string

	globalContext context.Context
	globalCancel  context.CancelFunc
)

func newClient() (client.Client, error) {
	return client.NewClientWithContext(globalContext, strings.Split(urls, ","), client.SecurityOption{
		CAPath:   caPath,
		CertPath: certPath,
		KeyPath:  keyPath,
	})
}

func printJSON(cmd *cobra.Command, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		cmd.Printf("Failed to encode output: %s\n", err)
		return
	}
	cmd.Println(string(data))
}

func main() {
	globalContext, globalCancel = context.WithCancel(context.Background())

	sc := make(chan os.Signal, 1)
	signal.Notify(sc,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		sig := <-sc
		fmt.Printf("\nGot signal [%v] to exit.\n", sig)
		globalCancel()
	}()

	rootCmd := &cobra.Command{
		Use:           "timelock-ctl",
		Short:         "Timelock control",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&urls, "urls", "u", "http://127.0.0.1:8421", "comma separated replica urls")
	rootCmd.PersistentFlags().StringVar(&caPath, "cacert", "", "path of file that contains list of trusted SSL CAs")
	rootCmd.PersistentFlags().StringVar(&certPath, "cert", "", "path of file that contains X509 certificate in PEM format")
	rootCmd.PersistentFlags().StringVar(&keyPath, "key", "", "path of file that contains X509 key in PEM format")
	rootCmd.PersistentFlags().StringVar(&leadershipAsserted, "leadership", "", "assert the leadership term <epoch>.<replica>")

	rootCmd.AddCommand(
		newTimestampCommand(),
		newTimestampsCommand(),
		newImmutableTimestampCommand(),
		newLockCommand(),
		newUnlockCommand(),
		newRefreshCommand(),
		newLeaderCommand(),
		newBenchCommand(),
	)

	cobra.EnablePrefixMatching = true

	err := rootCmd.Execute()
	globalCancel()
	if err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
