// Command mee is the Mee compiler's command-line entry point.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/meelang/mee/internal/diff"
	"github.com/meelang/mee/internal/driver"
)

func main() {
	app := &cli.App{
		Name:  "mee",
		Usage: "compile Mee source to WAT, x86-64 assembly, or its textual IR",
		Commands: []*cli.Command{
			buildCommand(),
			diffCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func buildCommand() *cli.Command {
	return &cli.Command{
		Name:      "build",
		Usage:     "compile a single Mee source file",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "emit",
				Usage: "artifact to emit: wat, asm, or ir",
				Value: "wat",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "output path (default: stdout)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("expected exactly one source file", 1)
			}
			emit := driver.Emit(c.String("emit"))
			switch emit {
			case driver.EmitWAT, driver.EmitASM, driver.EmitIR:
			default:
				return cli.Exit(fmt.Sprintf("unknown --emit value %q (want wat, asm, or ir)", emit), 1)
			}

			artifact, err := driver.Build(c.Args().First(), emit)
			if err != nil {
				fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
				return cli.Exit("", 1)
			}

			if err := driver.WriteOutput(c.String("output"), artifact); err != nil {
				fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
				return cli.Exit("", 1)
			}
			return nil
		},
	}
}

func diffCommand() *cli.Command {
	return &cli.Command{
		Name:      "diff",
		Usage:     "run the WAT and x86-64 backends side by side over a directory of .mee files and compare behavior",
		ArgsUsage: "<dir>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "wasm-runtime", Value: "wasmtime"},
			&cli.StringFlag{Name: "cc", Value: "cc"},
			&cli.StringFlag{Name: "work-dir", Value: "."},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("expected exactly one directory", 1)
			}
			cfg := diff.Config{WasmRuntime: c.String("wasm-runtime"), Assembler: c.String("cc")}
			tf := diff.NewTestFramework(cfg)
			if err := tf.Discover(c.Args().First()); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			if err := tf.Run(c.String("work-dir")); err != nil {
				fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
				return cli.Exit("", 1)
			}
			tf.PrintResults()
			return nil
		},
	}
}
