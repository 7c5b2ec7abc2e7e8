package cli

import (
	"time"

	"github.com/spf13/pflag"

	"github.com/ChuLiYu/mpdcore/internal/config"
)

// connFlags are the connection settings every command accepts. They win
// over the config file and the environment when given explicitly.
type connFlags struct {
	host     string
	port     int
	mode     string
	password string
	timeout  time.Duration
}

func addConnFlags(fs *pflag.FlagSet, f *connFlags) {
	fs.StringVar(&f.host, "host", "", "server host (overrides config and MPD_HOST)")
	fs.IntVarP(&f.port, "port", "p", 0, "server port (overrides config and MPD_PORT)")
	fs.StringVar(&f.mode, "mode", "", "connector mode: idle or command")
	fs.StringVar(&f.password, "password", "", "server password")
	fs.DurationVar(&f.timeout, "timeout", 0, "connect and command timeout")
}

// apply copies the flags that were set on fs into cfg.
func (f *connFlags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("host") {
		cfg.MPD.Host = f.host
	}
	if fs.Changed("port") {
		cfg.MPD.Port = f.port
	}
	if fs.Changed("mode") {
		cfg.MPD.Mode = f.mode
	}
	if fs.Changed("password") {
		cfg.MPD.Password = f.password
	}
	if fs.Changed("timeout") {
		cfg.MPD.Timeout = f.timeout
	}
}
