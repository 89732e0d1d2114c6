// chronicle-pay calls a Chronicle server from the command line, answering
// its payment challenges with a local key.
//
//	CHRONICLE_PRIVATE_KEY=0x... chronicle-pay upload -url http://localhost:3001 -file notes.md
//	chronicle-pay upload -file photo.png -estimate
//	chronicle-pay ai -kind image -prompt "a lighthouse at dusk"
//	chronicle-pay uploads -limit 20
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		code := 1
		var ec cli.ExitCoder
		if errors.As(err, &ec) {
			code = ec.ExitCode()
		}
		os.Exit(code)
	}
}

// Flags are built per command: cli.Flag values are mutated when applied.
func urlFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "url",
		Usage:   "Chronicle server base URL",
		Value:   "http://localhost:3001",
		EnvVars: []string{"CHRONICLE_URL"},
	}
}

func keyFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "key",
		Usage:   "hex secp256k1 key that signs identity and payments",
		EnvVars: []string{"CHRONICLE_PRIVATE_KEY"},
	}
}

func payFlags() []cli.Flag {
	return []cli.Flag{
		urlFlag(),
		keyFlag(),
		&cli.Float64Flag{Name: "max", Usage: "refuse to pay more than this many USD (0 = no cap)"},
		&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "print every payment state transition"},
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "chronicle-pay",
		Usage:     "pay-per-call client for a Chronicle server",
		Writer:    stdout,
		ErrWriter: stderr,
		// Exit codes are handled by main.
		ExitErrHandler: func(*cli.Context, error) {},
		Commands: []*cli.Command{
			{
				Name:  "upload",
				Usage: "store a document, paying the quoted price",
				Flags: append(payFlags(),
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "document to upload", Required: true},
					&cli.StringFlag{Name: "type", Usage: "markdown, image or json (default: from the file extension)"},
					&cli.StringFlag{Name: "name", Usage: "document name (default: the file name)"},
					&cli.BoolFlag{Name: "estimate", Usage: "print the price preview and exit without paying"},
				),
				Action: runUpload,
			},
			{
				Name:  "ai",
				Usage: "run a paid generation",
				Flags: append(payFlags(),
					&cli.StringFlag{Name: "kind", Value: "text", Usage: "text, image, image-edit or video"},
					&cli.StringFlag{Name: "prompt", Aliases: []string{"p"}, Required: true},
					&cli.StringFlag{Name: "image", Usage: "source image file for image-edit and video"},
				),
				Action: runAI,
			},
			{
				Name:  "price",
				Usage: "quote an upload without paying",
				Flags: []cli.Flag{
					urlFlag(),
					&cli.Int64Flag{Name: "size", Usage: "payload size in bytes"},
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "quote this file as upload would send it, instead of -size"},
					&cli.StringFlag{Name: "type", Usage: "markdown, image or json (default: from the file extension)"},
				},
				Action: runPrice,
			},
			{
				Name:  "uploads",
				Usage: "list this wallet's uploads",
				Flags: []cli.Flag{
					urlFlag(), keyFlag(),
					&cli.IntFlag{Name: "limit", Value: 50},
					&cli.IntFlag{Name: "offset"},
				},
				Action: runUploads,
			},
		},
	}
}
