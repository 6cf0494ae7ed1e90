// Copyright © 2017 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/apex/log"
	"github.com/spf13/cobra"
)

var ctx *log.Logger

var logFile *os.File

// Execute is called by main.go
func Execute() {
	os.Exit(execute(GatewayCmd))
}

// execute runs the command and returns the exit status of the process
func execute(cmd *cobra.Command) int {
	defer func() {
		thePanic := recover()
		if thePanic == nil {
			return
		}
		if ctx == nil {
			panic(thePanic)
		}
		buf := make([]byte, 1<<16)
		n := runtime.Stack(buf, false)
		ctx.WithField("panic", thePanic).WithField("stack", string(buf[:n])).Fatal("Stopping because of panic")
	}()

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func init() {
	cobra.OnInitialize(initConfig)
}
