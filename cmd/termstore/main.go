package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"termstore/snomed"
	"termstore/terminology"
)

func main() {
	app := &cli.App{
		Name:  "termstore",
		Usage: "versioned SNOMED CT component store and semantic index",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "data-dir",
				Value:   "./termstore-data",
				Usage:   "storage directory (badger datastore + sqlite index)",
				EnvVars: []string{"TERMSTORE_DATA_DIR"},
			},
			&cli.StringFlag{
				Name:    "config",
				Usage:   "optional YAML config file",
				EnvVars: []string{"TERMSTORE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				EnvVars: []string{"TERMSTORE_LOG_LEVEL"},
			},
		},
		Before: configure,
		Commands: []*cli.Command{
			branchCommands(),
			conceptCommands(),
			eclCommand(),
			reindexCommand(),
			compactCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

func configure(c *cli.Context) error {
	level, err := logrus.ParseLevel(c.String("log-level"))
	if err != nil {
		return fmt.Errorf("bad log level: %w", err)
	}
	logrus.SetLevel(level)

	if cfg := c.String("config"); cfg != "" {
		viper.SetConfigFile(cfg)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if viper.IsSet("data-dir") {
			if err := c.Set("data-dir", viper.GetString("data-dir")); err != nil {
				return err
			}
		}
		if viper.IsSet("log-level") {
			if lvl, err := logrus.ParseLevel(viper.GetString("log-level")); err == nil {
				logrus.SetLevel(lvl)
			}
		}
	}
	return nil
}

// withService opens the service under an exclusive data-dir lock so two
// processes never share the badger directory.
func withService(c *cli.Context, fn func(ctx context.Context, svc *terminology.Service) error) error {
	dir := c.String("data-dir")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	lock := flock.New(filepath.Join(dir, ".lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock data dir: %w", err)
	}
	if !ok {
		return fmt.Errorf("data dir %s is in use by another process", dir)
	}
	defer lock.Unlock()

	svc, err := terminology.Open(c.Context, dir, terminology.Options{})
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(c.Context, svc)
}

func branchCommands() *cli.Command {
	return &cli.Command{
		Name:  "branch",
		Usage: "manage branches",
		Subcommands: []*cli.Command{
			{
				Name:      "create",
				ArgsUsage: "<path>",
				Action: func(c *cli.Context) error {
					return withService(c, func(ctx context.Context, svc *terminology.Service) error {
						b, err := svc.CreateBranch(ctx, c.Args().First())
						if err != nil {
							return err
						}
						return printJSON(b)
					})
				},
			},
			{
				Name:      "list",
				ArgsUsage: "[parent]",
				Action: func(c *cli.Context) error {
					return withService(c, func(ctx context.Context, svc *terminology.Service) error {
						parent := c.Args().First()
						if parent == "" {
							parent = "MAIN"
						}
						b, err := svc.Registry.Find(parent)
						if err != nil {
							return err
						}
						out := []any{b}
						for _, child := range svc.Registry.Children(parent) {
							out = append(out, child)
						}
						return printJSON(out)
					})
				},
			},
			{
				Name:      "rebase",
				ArgsUsage: "<path>",
				Action: func(c *cli.Context) error {
					return withService(c, func(ctx context.Context, svc *terminology.Service) error {
						conflicts, err := svc.RebaseBranch(ctx, c.Args().First())
						if len(conflicts) > 0 {
							printJSON(conflicts)
						}
						return err
					})
				},
			},
			{
				Name:      "promote",
				ArgsUsage: "<path>",
				Action: func(c *cli.Context) error {
					return withService(c, func(ctx context.Context, svc *terminology.Service) error {
						return svc.PromoteBranch(ctx, c.Args().First())
					})
				},
			},
		},
	}
}

func conceptCommands() *cli.Command {
	branchFlag := &cli.StringFlag{Name: "branch", Value: "MAIN", Usage: "branch path"}
	return &cli.Command{
		Name:  "concept",
		Usage: "author and read concepts",
		Subcommands: []*cli.Command{
			{
				Name:      "put",
				Usage:     "save concept aggregates from a JSON file (- for stdin)",
				ArgsUsage: "<file>",
				Flags:     []cli.Flag{branchFlag},
				Action: func(c *cli.Context) error {
					data, err := readInput(c.Args().First())
					if err != nil {
						return err
					}
					var concepts []*snomed.Concept
					if err := json.Unmarshal(data, &concepts); err != nil {
						// A single aggregate object is accepted too.
						var one snomed.Concept
						if err2 := json.Unmarshal(data, &one); err2 != nil {
							return fmt.Errorf("decode concepts: %w", err)
						}
						concepts = []*snomed.Concept{&one}
					}
					return withService(c, func(ctx context.Context, svc *terminology.Service) error {
						res, err := svc.SaveConcepts(ctx, c.String("branch"), concepts)
						if err != nil {
							return err
						}
						logrus.WithFields(logrus.Fields{
							"concepts":      len(res.Concepts),
							"descriptions":  len(res.Descriptions),
							"relationships": len(res.Relationships),
							"members":       len(res.Members),
						}).Info("saved")
						return nil
					})
				},
			},
			{
				Name:      "get",
				ArgsUsage: "<conceptId>",
				Flags:     []cli.Flag{branchFlag},
				Action: func(c *cli.Context) error {
					return withService(c, func(ctx context.Context, svc *terminology.Service) error {
						concept, err := svc.FindConcept(ctx, c.String("branch"), c.Args().First())
						if err != nil {
							return err
						}
						return printJSON(concept)
					})
				},
			},
			{
				Name:      "delete",
				ArgsUsage: "<conceptId>",
				Flags:     []cli.Flag{branchFlag},
				Action: func(c *cli.Context) error {
					return withService(c, func(ctx context.Context, svc *terminology.Service) error {
						return svc.DeleteConcept(ctx, c.String("branch"), c.Args().First())
					})
				},
			},
		},
	}
}

func eclCommand() *cli.Command {
	return &cli.Command{
		Name:      "ecl",
		Usage:     "run an ECL expression",
		ArgsUsage: "<expression>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "branch", Value: "MAIN"},
			&cli.BoolFlag{Name: "stated", Usage: "query the stated form"},
			&cli.IntFlag{Name: "limit", Value: 100},
			&cli.IntFlag{Name: "offset"},
		},
		Action: func(c *cli.Context) error {
			return withService(c, func(ctx context.Context, svc *terminology.Service) error {
				var ids []string
				var err error
				if c.Bool("stated") {
					ids, err = svc.QueryStated(ctx, c.String("branch"), c.Args().First(), c.Int("limit"), c.Int("offset"))
				} else {
					ids, err = svc.Query(ctx, c.String("branch"), c.Args().First(), c.Int("limit"), c.Int("offset"))
				}
				if err != nil {
					return err
				}
				return printJSON(ids)
			})
		},
	}
}

func reindexCommand() *cli.Command {
	return &cli.Command{
		Name:  "reindex",
		Usage: "rebuild the semantic index for a branch",
		Flags: []cli.Flag{&cli.StringFlag{Name: "branch", Value: "MAIN"}},
		Action: func(c *cli.Context) error {
			return withService(c, func(ctx context.Context, svc *terminology.Service) error {
				return svc.RebuildSemanticIndex(ctx, c.String("branch"))
			})
		},
	}
}

func compactCommand() *cli.Command {
	return &cli.Command{
		Name:  "compact",
		Usage: "remove orphan rows left by failed commits",
		Flags: []cli.Flag{&cli.StringFlag{Name: "branch", Value: "MAIN"}},
		Action: func(c *cli.Context) error {
			return withService(c, func(ctx context.Context, svc *terminology.Service) error {
				return svc.Compact(ctx, c.String("branch"))
			})
		},
	}
}

func readInput(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("input file required")
	}
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
