package commands

import (
	"fmt"

	"github.com/pterm/pterm"

	"github.com/emprops/relay/config"
	"github.com/emprops/relay/logger"
	"github.com/emprops/relay/version"
)

// printStartupBanner prints the user-friendly startup message
func printStartupBanner(cfg *config.Config, verbosity int) {
	pterm.DefaultCenter.Println(pterm.LightCyan(`
██████╗ ███████╗██╗      █████╗ ██╗   ██╗
██╔══██╗██╔════╝██║     ██╔══██╗╚██╗ ██╔╝
██████╔╝█████╗  ██║     ███████║ ╚████╔╝
██╔══██╗██╔══╝  ██║     ██╔══██║  ╚██╔╝
██║  ██║███████╗███████╗██║  ██║   ██║
╚═╝  ╚═╝╚══════╝╚═══════╝╚═╝  ╚═╝   ╚═╝`))

	info := version.Get()

	panel := fmt.Sprintf("Version:   %s (commit %s)\nBuilt:     %s\nPort:      %d\nRedis:     %s\nVerbosity: %s",
		info.Version, info.Short(),
		info.BuildTime,
		cfg.Server.Port,
		cfg.Redis.URL,
		logger.LevelName(verbosity))
	pterm.DefaultBox.WithTitle("Relay").WithTitleTopLeft().Println(panel)

	pterm.Info.Printf("Dashboard monitors: ws://localhost:%d/ws/monitor/{id}\n", cfg.Server.Port)
	pterm.Info.Println("Press Ctrl+C to stop")
	fmt.Println()
}
