package main

import (
	"os"

	"github.com/zhengshuai-xiao/binsync/cmd"
	"github.com/zhengshuai-xiao/binsync/internal"
)

var logger = internal.GetLogger("binsync_main")

func main() {
	if err := cmd.Main(os.Args); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}
