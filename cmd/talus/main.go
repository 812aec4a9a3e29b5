package main

import (
	"os"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/talusdb/talus"
)

// Version info, set via ldflags at build time:
// go build -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var baseCfg = new(struct {
	Dir      string `long:"dir" short:"d" env:"TALUS_DIR" default:"." description:"Keyspace directory"`
	Config   string `long:"config" short:"c" env:"TALUS_CONFIG" description:"YAML configuration file"`
	LogLevel string `long:"log.level" env:"LOG_LEVEL" default:"warning" choice:"trace" choice:"debug" choice:"info" choice:"warning" choice:"error" description:"Logging level"`
})

var parser = flags.NewParser(baseCfg, flags.Default)

func mustAddCmd(name, short, long string, cfg interface{}) *flags.Command {
	var cmd, err = parser.Command.AddCommand(name, short, long, cfg)
	if err != nil {
		log.WithFields(log.Fields{"err": err, "cmd": name}).Panic("failed to add command")
	}
	return cmd
}

// startup applies base configuration common to every command.
func startup() {
	if lvl, err := log.ParseLevel(baseCfg.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
}

// keyspaceConfig loads the YAML config when one is given, or defaults.
func keyspaceConfig(readOnly bool) (talus.Config, error) {
	var cfg = talus.DefaultConfig()
	var err error
	if baseCfg.Config != "" {
		if cfg, err = talus.LoadConfig(baseCfg.Config); err != nil {
			return cfg, err
		}
	}
	cfg.ReadOnly = readOnly
	return cfg, nil
}

func openKeyspace(readOnly bool) (*talus.Keyspace, error) {
	startup()
	var cfg, err = keyspaceConfig(readOnly)
	if err != nil {
		return nil, err
	}
	return talus.Open(baseCfg.Dir, cfg)
}

func main() {
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
}
