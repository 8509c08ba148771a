/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Seednode/slf/session"
)

type Config struct {
	advertise   string
	bind        string
	color       string
	columns     []string
	hostID      string
	name        string
	port        int
	profile     bool
	secret      string
	settleDelay time.Duration
	tlsCA       string
	tlsCert     string
	tlsKey      string
	verbose     bool
}

var defaultColumns = []string{"City", "Country", "River"}

func (c *Config) validate(role session.Role) error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}

	if c.port < 0 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 0-65535 inclusive): %d", c.port)
	}

	if role == session.RoleHost && c.port == 0 {
		return errors.New("a host needs a fixed --port for players to dial")
	}

	c.name = strings.TrimSpace(c.name)

	switch role {
	case session.RoleHost:
		if c.settleDelay <= 0 {
			return fmt.Errorf("invalid settle delay (must be positive): %s", c.settleDelay)
		}

		columns := make([]string, 0, len(c.columns))
		for _, col := range c.columns {
			col = strings.TrimSpace(col)
			if col == "" {
				return errors.New("column names must not be blank")
			}
			if slices.Contains(columns, col) {
				return fmt.Errorf("duplicate column: %q", col)
			}
			columns = append(columns, col)
		}
		if len(columns) == 0 {
			return errors.New("at least one --columns entry is required")
		}
		c.columns = columns

	case session.RoleParticipant:
		if c.name == "" {
			return errors.New("--name is required to join a game")
		}
		if c.hostID == "" {
			return errors.New("a host id is required")
		}
	}

	return nil
}

// sessionConfig maps the flags onto the session for role.
func (c *Config) sessionConfig(role session.Role) session.Config {
	return session.Config{
		Role:        role,
		Name:        c.name,
		Color:       c.color,
		HostID:      c.hostID,
		Secret:      c.secret,
		Columns:     slices.Clone(c.columns),
		SettleDelay: c.settleDelay,
	}
}

func newCmd() *cobra.Command {
	hostCfg, joinCfg := &Config{}, &Config{}

	v := viper.New()
	v.SetEnvPrefix("SLF")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "slf",
		Short:         "Stadt, Land, Fluss over a direct peer mesh.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
	}

	host := &cobra.Command{
		Use:   "host",
		Short: "Host a game and accept players.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := hostCfg.validate(session.RoleHost); err != nil {
				return err
			}
			return run(cmd.Context(), hostCfg, session.RoleHost)
		},
	}

	join := &cobra.Command{
		Use:   "join <host-id>",
		Short: "Join a game hosted elsewhere.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			joinCfg.hostID = strings.TrimSpace(args[0])
			if err := joinCfg.validate(session.RoleParticipant); err != nil {
				return err
			}
			return run(cmd.Context(), joinCfg, session.RoleParticipant)
		},
	}

	endpointFlags := func(fs *pflag.FlagSet, cfg *Config, port int) {
		fs.StringVar(&cfg.advertise, "advertise", "", "host:port other players dial to reach this process (env: SLF_ADVERTISE)")
		fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: SLF_BIND)")
		fs.StringVar(&cfg.color, "color", "", "player color shown to others (env: SLF_COLOR)")
		fs.IntVarP(&cfg.port, "port", "p", port, "port to listen on (env: SLF_PORT)")
		fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: SLF_PROFILE)")
		fs.StringVar(&cfg.secret, "secret", "", "shared game secret (env: SLF_SECRET)")
		fs.StringVar(&cfg.tlsCA, "tls-ca", "", "path to extra certificates trusted when dialing tls endpoints (env: SLF_TLS_CA)")
		fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: SLF_TLS_CERT)")
		fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: SLF_TLS_KEY)")
		fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: SLF_VERBOSE)")
	}

	hfs := host.Flags()
	endpointFlags(hfs, hostCfg, 8080)
	hfs.StringSliceVar(&hostCfg.columns, "columns", defaultColumns, "answer columns (env: SLF_COLUMNS)")
	hfs.StringVarP(&hostCfg.name, "name", "n", "", "play as this name as well as hosting (env: SLF_NAME)")
	hfs.DurationVar(&hostCfg.settleDelay, "settle-delay", session.DefaultSettleDelay, "wait after a join before sending state (env: SLF_SETTLE_DELAY)")

	jfs := join.Flags()
	endpointFlags(jfs, joinCfg, 0)
	jfs.StringVarP(&joinCfg.name, "name", "n", "", "player name (env: SLF_NAME)")

	for _, c := range []*cobra.Command{host, join} {
		bindFlags(v, c.Flags())
		cmd.AddCommand(c)
	}

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("slf v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

// bindFlags lets SLF_* environment variables fill in unset flags.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

// rootCAs returns the system pool plus any --tls-ca certificates, or nil
// when none were given.
func (c *Config) rootCAs() (*x509.CertPool, error) {
	if c.tlsCA == "" {
		return nil, nil
	}

	pem, err := os.ReadFile(c.tlsCA)
	if err != nil {
		return nil, err
	}

	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}

	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", c.tlsCA)
	}

	return pool, nil
}
