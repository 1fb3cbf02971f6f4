package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fossabot/hark/cmd"
	"github.com/fossabot/hark/internal/buildinfo"
	"github.com/fossabot/hark/internal/conf"
)

// Set at build time with -ldflags "-X main.version=... -X main.buildDate=...".
var (
	version   = "dev"
	buildDate = ""
)

func main() {
	os.Exit(mainWithExitCode())
}

func mainWithExitCode() int {
	ctx := conf.NewContext(buildinfo.NewContext(version, buildDate))
	defer ctx.Close()

	if err := cmd.RootCommand(ctx).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
