package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/racecomms/internal"
	"github.com/starford/racecomms/internal/profile"
	pkgconfig "github.com/starford/racecomms/pkg/config"
)

func configFlag(def string) *cli.StringFlag {
	return &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to config file",
		DefaultText: def,
		Value:       def,
		Sources:     cli.EnvVars("APP_CONFIG_FILE"),
	}
}

func loadNodeConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func runNode(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadNodeConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func runWhiteboard(ctx context.Context, cmd *cli.Command) error {
	cfg := internal.NewDefaultServerConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := internal.RunWhiteboard(ctx, internal.WithServerConfig(cfg)); err != nil {
		return fmt.Errorf("whiteboard run error: %w", err)
	}
	return nil
}

func runMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadNodeConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.RunMCP(ctx, internal.WithConfig(cfg), internal.WithLogOutput(os.Stderr)); err != nil {
		return fmt.Errorf("mcp run error: %w", err)
	}
	return nil
}

func checkProfile(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("expected exactly one profile argument")
	}
	parser, err := profile.Parse(cmd.Args().First(), !cmd.Bool("indirect"))
	if err != nil {
		return err
	}

	var parsed any
	switch p := parser.(type) {
	case *profile.DirectParser:
		parsed = map[string]any{"kind": "direct", "profile": p.Profile}
	case *profile.WhiteboardParser:
		parsed = map[string]any{
			"kind":      "whiteboard",
			"profile":   p.Profile,
			"sanitized": profile.FixHashtag(p.Profile.Hashtag),
		}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(parsed)
}

func main() {
	cmd := &cli.Command{
		Name:   "racecomms",
		Usage:  "Comms channel node with direct TCP and whiteboard dead-drop transports",
		Action: runNode,
		Flags:  []cli.Flag{configFlag("config/config.yaml")},
		Commands: []*cli.Command{
			{
				Name:   "node",
				Usage:  "Run a comms node with the control API",
				Action: runNode,
				Flags:  []cli.Flag{configFlag("config/config.yaml")},
			},
			{
				Name:   "whiteboard",
				Usage:  "Run the whiteboard dead-drop server",
				Action: runWhiteboard,
				Flags:  []cli.Flag{configFlag("config/whiteboard.yaml")},
			},
			{
				Name:   "mcp",
				Usage:  "Run a comms node driven over MCP on stdio",
				Action: runMCP,
				Flags:  []cli.Flag{configFlag("config/config.yaml")},
			},
			{
				Name:      "check-profile",
				Usage:     "Parse a link profile and print the result",
				ArgsUsage: "<profile-json>",
				Action:    checkProfile,
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "indirect",
						Usage: "Parse for the indirect (whiteboard) channel",
					},
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
