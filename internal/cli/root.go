// Package cli is the vision-trainer command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MJE43/vision-trainer-go/internal/calibration"
	"github.com/MJE43/vision-trainer-go/internal/config"
	"github.com/MJE43/vision-trainer-go/internal/logging"
	"github.com/MJE43/vision-trainer-go/internal/protocol"
	"github.com/MJE43/vision-trainer-go/internal/stimulus"
	"github.com/MJE43/vision-trainer-go/internal/store"
)

// env is what every subcommand shares once configuration is loaded.
type env struct {
	configFile string
	logLevel   string

	loader *config.Loader
	log    *zap.Logger
}

// Execute runs the command line and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	e := &env{log: zap.NewNop()}
	root := &cobra.Command{
		Use:   "vision-trainer",
		Short: "Adaptive psychophysical vision training",
		Long: `vision-trainer runs adaptive staircase sessions for contrast, acuity,
vernier, crowding, orientation and perimetry training, and keeps a local
history of progress.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return e.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = e.log.Sync()
		},
	}
	root.PersistentFlags().StringVar(&e.configFile, "config", "", "config file (default: ./config.yaml or the user config dir)")
	root.PersistentFlags().StringVar(&e.logLevel, "log-level", "", "override logging.level")

	root.AddCommand(
		newServeCmd(e),
		newSimulateCmd(e),
		newProtocolsCmd(e),
		newCalibrateCmd(e),
		newHistoryCmd(e),
		newStatsCmd(e),
		newExportCmd(e),
		newImportCmd(e),
	)
	return root
}

func (e *env) load(cmd *cobra.Command) error {
	l, err := config.Load(e.configFile, nil)
	if err != nil {
		return err
	}
	if e.logLevel != "" {
		if err := l.Set("logging.level", strings.ToLower(e.logLevel)); err != nil {
			return err
		}
	}
	cfg := l.Config().Logging
	log, err := logging.New(logging.Options{
		Directory:  cfg.Directory,
		Level:      cfg.Level,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
		Console:    cfg.Console,
		Stderr:     cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	e.loader = l
	e.log = log
	e.log.Debug("configuration loaded", zap.String("file", l.File()))
	return nil
}

func (e *env) config() *config.Config { return e.loader.Config() }

// registry loads the built-in protocols and applies configured overrides.
func (e *env) registry() (*protocol.Registry, error) {
	reg, err := protocol.Defaults()
	if err != nil {
		return nil, err
	}
	if err := applyConfig(reg, e.config()); err != nil {
		return nil, err
	}
	return reg, nil
}

func applyConfig(reg *protocol.Registry, cfg *config.Config) error {
	for id, o := range cfg.Protocols {
		if err := reg.Override(id, o); err != nil {
			return fmt.Errorf("protocols.%s: %w", id, err)
		}
	}
	if mm := cfg.Calibration.ViewingDistanceMm; mm > 0 {
		for _, d := range reg.List() {
			if d.Stimulus != stimulus.KindOptotype {
				continue
			}
			d.Params.ViewingDistanceMm = mm
			if err := reg.Register(d); err != nil {
				return err
			}
		}
	}
	return nil
}

// profile is the stored calibration, or the zero profile when the screen has
// never been calibrated.
func (e *env) profile() calibration.Profile {
	c := e.config().Calibration
	if c.ReferenceWidthPx <= 0 {
		return calibration.Profile{}
	}
	p, err := calibration.Calibrate(c.ReferenceWidthPx, c.PhysicalWidthMm)
	if err != nil {
		e.log.Warn("stored calibration ignored", zap.Error(err))
		return calibration.Profile{}
	}
	return p
}

// openStore opens and migrates the progress database.
func (e *env) openStore() (*store.Store, error) {
	db := e.config().Database
	if err := os.MkdirAll(dirOf(db.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	var opts []store.Option
	if db.MaxSessions > 0 {
		opts = append(opts, store.WithMaxSessions(db.MaxSessions))
	}
	st, err := store.New(db.Path, opts...)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}
