package main

import (
	"github.com/jessevdk/go-flags"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "cxoneflow.ini"

// baseConfig is shared by every cxflowctl command.
type baseConfig struct {
	Config      string                `long:"config" env:"CONFIG" required:"true" description:"Path to the YAML configuration file"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	_, _ = parser.AddCommand("serve", "Serve the webhook frontend", `
Serve the webhook frontend and the workflow consumers with the provided
configuration, until signaled to exit (via SIGTERM). In-flight scan
dispatches are given a chance to complete before the process exits.
`, &cmdServe{})

	_, _ = parser.AddCommand("agent", "Run a resolver agent", `
Run a delegated-resolver agent servicing its configured tags, until signaled
to exit (via SIGTERM). Each tag consumes its own queue with a prefetch of
one, so an agent holds a single delegated scan in flight at a time.
`, &cmdAgent{})

	_, _ = parser.AddCommand("setup", "Declare the broker topology", `
Declare the AMQP exchanges, queues, and bindings the service uses, then exit.
Declaration is idempotent and safe to run repeatedly.
`, &cmdSetup{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
