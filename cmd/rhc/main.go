package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	dotenv "github.com/joho/godotenv"
)

var version = "dev"

func main() {
	_ = dotenv.Load()

	if err := execute(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "rhc:", err)
		os.Exit(1)
	}
}

func execute(args []string, out io.Writer) error {
	cli := &CLI{}
	parser, err := kong.New(cli,
		kong.Name("rhc"),
		kong.Description("Randomized Header Channel: CSRF-protected product API and its client."),
		kong.Vars{"version": version},
		kong.BindTo(out, (*io.Writer)(nil)),
		kong.Writers(out, out),
	)
	if err != nil {
		return err
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return kctx.Run(cli, version)
}
