package main

import (
	"os"

	"github.com/spindle-render/spindle/cmd/dispatcher/cmd"
	"github.com/spindle-render/spindle/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
