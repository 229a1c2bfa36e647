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

package server

import (
	"fmt"

	"github.com/pingcap-incubator/timelock/server/config"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// Version information.
var (
	TimelockReleaseVersion = "None"
	TimelockBuildTS        = "None"
	TimelockGitHash        = "None"
	TimelockGitBranch      = "None"
)

// LogTimelockInfo prints the timelock version information.
func LogTimelockInfo() {
	log.Info("Welcome to Timelock")
	log.Info("Timelock", zap.String("release-version", TimelockReleaseVersion))
	log.Info("Timelock", zap.String("git-hash", TimelockGitHash))
	log.Info("Timelock", zap.String("git-branch", TimelockGitBranch))
	log.Info("Timelock", zap.String("utc-build-time", TimelockBuildTS))
}

// PrintTimelockInfo prints the timelock version information without log info.
func PrintTimelockInfo() {
	fmt.Println("Release Version:", TimelockReleaseVersion)
	fmt.Println("Git Commit Hash:", TimelockGitHash)
	fmt.Println("Git Branch:", TimelockGitBranch)
	fmt.Println("UTC Build Time: ", TimelockBuildTS)
}

// PrintConfigCheckMsg prints the message about configuration checks.
func PrintConfigCheckMsg(cfg *config.Config) {
	if len(cfg.WarningMsgs) == 0 {
		fmt.Println("config check successful")
		return
	}

	for _, msg := range cfg.WarningMsgs {
		fmt.Println(msg)
	}
}
