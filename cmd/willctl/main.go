// Command willctl builds and inspects will datums offline.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "willctl:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "willctl",
		Usage: "Build, decode and resolve testamentary escrow datums",
		Commands: []*cli.Command{
			{
				Name:  "datum",
				Usage: "Encode or decode a will datum",
				Subcommands: []*cli.Command{
					{
						Name:   "encode",
						Usage:  "Encode allotments into a datum",
						Action: encodeDatum,
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "allotments",
								Usage:    "file with one \"hash,ada\" line per beneficiary, - for stdin",
								Required: true,
							},
							&cli.StringFlag{
								Name:     "unlock",
								Usage:    "unlock time, RFC3339 or unix milliseconds",
								Required: true,
							},
							&cli.BoolFlag{
								Name:  "partial",
								Usage: "allow beneficiaries to claim part of their share",
							},
						},
					},
					{
						Name:      "decode",
						Usage:     "Decode a hex datum",
						ArgsUsage: "<datum-hex>",
						Action:    decodeDatum,
					},
				},
			},
			{
				Name:   "claim",
				Usage:  "Resolve a claim against a datum without submitting it",
				Action: resolveClaim,
				Flags: append(stateFlags(),
					&cli.StringFlag{Name: "claimant", Usage: "beneficiary credential hash (hex)", Required: true},
					&cli.StringFlag{Name: "amount", Usage: "claim amount in ADA", Required: true},
				),
			},
			{
				Name:   "settle",
				Usage:  "Resolve a joint settlement without submitting it",
				Action: resolveSettlement,
				Flags: append(stateFlags(),
					&cli.StringSliceFlag{Name: "signer", Usage: "signing beneficiary (hex), repeatable", Required: true},
				),
			},
		},
	}
}

func stateFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "datum", Usage: "current escrow datum (hex)", Required: true},
		&cli.Uint64Flag{Name: "value", Usage: "escrow output value in lovelace, defaults to the sum of shares"},
		&cli.StringFlag{Name: "at", Usage: "evaluation time, RFC3339 or unix milliseconds, defaults to now"},
	}
}
