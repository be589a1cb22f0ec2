// Package commands implements CLI command handlers for migratectl.
package commands

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"

	"github.com/soltura/migrate/internal/app"
	"github.com/soltura/migrate/internal/config"
	"github.com/soltura/migrate/internal/logging"
)

// ConfigPath is the --config flag shared by every command.
var ConfigPath string

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("86"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// build loads configuration and constructs the live backends.
func build(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(ConfigPath)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	return app.Build(ctx, cfg)
}

func printWarnings(warnings []string) {
	for _, w := range warnings {
		fmt.Println(dimStyle.Render("warning: " + w))
	}
}
