// Command atomic-install drives the journal-backed, four-phase merge
// engine end to end: create or resume a journal, step copy_new, backup_old,
// replace, cleanup in order (or roll back), honoring --onestep and the
// rest of the flag surface below.
package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/projg2/atomic-install/internal/config"
	"github.com/projg2/atomic-install/internal/rollbacksignal"
	"github.com/projg2/atomic-install/journal"
	"github.com/projg2/atomic-install/merge"
)

// version is overridden at build time via -ldflags.
var version = "dev"

type options struct {
	inputFiles bool
	noReplace  bool
	oneStep    bool
	resume     bool
	rollback   bool
	verbose    bool
	configFile string
}

func main() {
	log := logrus.New()
	log.SetOutput(os.Stderr)

	var opts options

	var showVersion bool

	root := &cobra.Command{
		Use:           "atomic-install [options] journal-file source dest",
		Short:         "crash-safe, resumable, rollback-capable file-tree installer",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			return cobra.ExactArgs(3)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Println("atomic-install " + version)
				return nil
			}
			return run(log, &opts, cmd, args)
		},
	}

	flags := root.Flags()
	flags.BoolVarP(&showVersion, "version", "V", false, "print version, exit 0")
	flags.BoolVarP(&opts.inputFiles, "input-files", "i", false, "read removal paths from standard input")
	flags.BoolVarP(&opts.noReplace, "no-replace", "n", false, "stop after backup_old; do not perform replace")
	flags.BoolVarP(&opts.oneStep, "onestep", "1", false, "perform a single phase and return")
	flags.BoolVarP(&opts.resume, "resume", "r", false, "do not create a new journal; fail if absent")
	flags.BoolVarP(&opts.rollback, "rollback", "R", false, "force rollback regardless of current flags")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable progress and removal callbacks")
	flags.StringVar(&opts.configFile, "config", "", "path to a yaml file of default flag values")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(log *logrus.Logger, opts *options, cmd *cobra.Command, args []string) error {
	if opts.configFile != "" {
		cfg, err := config.Load(opts.configFile)
		if err != nil {
			return err
		}
		dst := &config.Flags{NoReplace: opts.noReplace, OneStep: opts.oneStep, InputFiles: opts.inputFiles, Verbose: opts.verbose}
		config.ApplyDefaults(dst, cfg, explicitFlagSet(cmd))
		opts.noReplace, opts.oneStep, opts.inputFiles, opts.verbose = dst.NoReplace, dst.OneStep, dst.InputFiles, dst.Verbose
	}

	journalPath, sourceRoot, destRoot := args[0], args[1], args[2]

	if opts.verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	stop := rollbacksignal.Watch()
	defer stop()
	if opts.rollback {
		rollbacksignal.Raise()
	}

	j, err := openOrCreateJournal(journalPath, sourceRoot, opts)
	if err != nil {
		return err
	}
	defer j.Close()

	eng := merge.New(j, journalPath, sourceRoot, destRoot)
	if opts.verbose {
		eng.Progress = func(path string, done, total int64) {
			log.WithFields(logrus.Fields{"path": path, "done_mb": done, "total_mb": total}).Debug("copy progress")
		}
		eng.Removal = func(path string, outcome merge.RemovalOutcome) {
			log.WithFields(logrus.Fields{"path": path, "outcome": outcome}).Info("removal")
		}
	}

	return drive(log, eng, opts)
}

// explicitFlagSet reports which long flag names the user passed on the
// command line, so --config only fills in flags left at their defaults —
// the same merge rule desertwitch/mirrorshuttle's main() uses.
func explicitFlagSet(cmd *cobra.Command) map[string]bool {
	set := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		set[f.Name] = true
	})
	return set
}

func openOrCreateJournal(journalPath, sourceRoot string, opts *options) (*journal.Journal, error) {
	if opts.resume {
		return journal.Open(journalPath)
	}

	if _, err := os.Stat(journalPath); err == nil {
		return nil, fmt.Errorf("atomic-install: %s already exists; use --resume", journalPath)
	}

	if opts.inputFiles {
		removals, err := readRemovalList(os.Stdin)
		if err != nil {
			return nil, err
		}
		if err := journal.CreateWithRemovals(journalPath, sourceRoot, removals); err != nil {
			return nil, err
		}
	} else if err := journal.Create(journalPath, sourceRoot); err != nil {
		return nil, err
	}

	return journal.Open(journalPath)
}

func readRemovalList(r *os.File) ([]string, error) {
	var out []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out, scanner.Err()
}

// drive steps the merge engine through whatever phases opts call for,
// honoring --onestep, --no-replace, and a pending rollback request raised
// either by --rollback or by SIGINT/SIGTERM/SIGHUP.
func drive(log *logrus.Logger, eng *merge.Engine, opts *options) error {
	for {
		if rollbacksignal.Requested() {
			if err := eng.Rollback(); err != nil {
				return err
			}
			log.Info("rollback complete")
			return nil
		}

		phase, done, err := nextPhase(eng, opts)
		if err != nil {
			if eng.J.GlobalFlags()&journal.BackedOldUp != 0 && eng.J.GlobalFlags()&journal.Replaced == 0 {
				log.WithError(err).Error("replace failed, rolling back")
				if rbErr := eng.RollbackReplace(); rbErr != nil {
					return rbErr
				}
				return nil
			}
			return fmt.Errorf("%s: %w", phase, err)
		}
		log.WithField("phase", phase).Info("phase complete")

		if done {
			return nil
		}
		if opts.oneStep {
			return nil
		}
	}
}

// nextPhase runs exactly the next phase the journal's flags call for and
// reports whether the driver should stop: after cleanup, or after
// backup_old when --no-replace is set.
func nextPhase(eng *merge.Engine, opts *options) (phase string, done bool, err error) {
	flags := eng.J.GlobalFlags()
	switch {
	case flags&journal.CopiedNew == 0:
		return "copy_new", false, eng.CopyNew()
	case flags&journal.BackedOldUp == 0:
		if err := eng.BackupOld(); err != nil {
			return "backup_old", false, err
		}
		return "backup_old", opts.noReplace, nil
	case flags&journal.Replaced == 0:
		return "replace", false, eng.Replace()
	default:
		return "cleanup", true, eng.Cleanup()
	}
}
