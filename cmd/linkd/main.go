// Command linkd is the radicle-link replication and serving daemon: it
// bootstraps the monorepo, the Git subprocess supervisor, the gossip
// engine, and the hook bus, then serves Git over an SSH-gated channel.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/alecthomas/hcl/v2"
	"github.com/alecthomas/kong"

	"github.com/radicle-link/linkd/internal/config"
	"github.com/radicle-link/linkd/internal/logging"
)

// CLI is the top-level command: `linkd run` boots the daemon (and is the
// default when no subcommand is given), while keygen/track/id are small
// utility subcommands operating directly on the monorepo without starting
// the server.
type CLI struct {
	Schema bool `help:"Print the configuration file schema and exit." xor:"command"`

	Config *os.File `hcl:"-" help:"Configuration file path." required:"" default:"linkd.hcl"`

	Keygen KeygenCmd `cmd:"" help:"Generate a new Ed25519 peer keypair."`
	Track  TrackCmd  `cmd:"" help:"Create or update a tracking entry for a URN/peer."`
	ID     struct {
		Show IDShowCmd `cmd:"" help:"Print a URN's current identity document."`
	} `cmd:"" help:"Identity document utilities."`
	Run RunCmd `cmd:"" default:"1" help:"Run the daemon."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli, kong.DefaultEnvars("LINKD"))

	defer cli.Config.Close()
	ast, err := hcl.Parse(cli.Config)
	kctx.FatalIfErrorf(err)

	var globalConfig GlobalConfig
	globalSchema, err := hcl.Schema(&globalConfig)
	kctx.FatalIfErrorf(err)

	if cli.Schema {
		printSchema(kctx, globalSchema)
		return
	}

	vars := config.ParseEnvars()
	config.ExpandVars(ast, vars)
	config.InjectEnvars(globalSchema, ast, "LINKD", vars)

	err = hcl.UnmarshalAST(ast, &globalConfig, hcl.HydratedImplicitBlocks(true))
	kctx.FatalIfErrorf(err)

	ctx := context.Background()
	_, ctx = logging.Configure(ctx, globalConfig.LoggingConfig)

	err = kctx.Run(&globalConfig, ctx)
	kctx.FatalIfErrorf(err)
}

func printSchema(kctx *kong.Context, schema *hcl.AST) {
	text, err := hcl.MarshalAST(schema)
	kctx.FatalIfErrorf(err)

	if fileInfo, err := os.Stdout.Stat(); err == nil && (fileInfo.Mode()&os.ModeCharDevice) != 0 {
		err = quick.Highlight(os.Stdout, string(text), "terraform", "terminal256", "solarized")
		kctx.FatalIfErrorf(err)
	} else {
		fmt.Printf("%s\n", text) //nolint:forbidigo
	}
}
