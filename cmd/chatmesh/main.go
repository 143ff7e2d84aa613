// chatmesh is a maintenance CLI for a chatmesh history index database:
// it lists indexed scopes and dumps a scope's known/unknown partition.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cfg "github.com/chatmesh/go-chatmesh/config"
	"github.com/chatmesh/go-chatmesh/database"
	"github.com/chatmesh/go-chatmesh/engine"
	"github.com/chatmesh/go-chatmesh/histindex"
	"github.com/chatmesh/go-chatmesh/log"

	"github.com/chatmesh/go-chatmesh/common/types"
)

var (
	config = cfg.DefaultConfig()

	peer      uint64
	namespace uint32
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "chatmesh",
		Short:        "inspect a chatmesh history index",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if config.ConfigFile == "" {
				return nil
			}
			if _, err := os.Stat(config.ConfigFile); os.IsNotExist(err) {
				return nil
			}
			vip := viper.New()
			if err := cfg.LoadConfig(config.ConfigFile, vip); err != nil {
				return err
			}
			return config.Unmarshal(vip)
		},
	}
	root.PersistentFlags().StringVarP(&config.ConfigFile,
		"config", "c", config.ConfigFile, "load configuration from file")
	root.PersistentFlags().StringVarP(&config.DataDirParent,
		"data-folder", "d", config.DataDirParent, "data directory")

	dump := &cobra.Command{
		Use:   "dump",
		Short: "print the entry partition of one scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e *engine.Engine) error {
				scope := types.Scope{Peer: types.PeerID(peer), Namespace: types.Namespace(namespace)}
				entries, err := e.Entries(scope)
				if err != nil {
					return err
				}
				for _, entry := range entries {
					switch entry := entry.(type) {
					case histindex.MessageEntry:
						fmt.Fprintf(cmd.OutOrStdout(), "message %d ts=%d\n", entry.ID, entry.Timestamp)
					case histindex.HoleEntry:
						fmt.Fprintf(cmd.OutOrStdout(), "hole    %d..%d maxts=%d\n", entry.Min, entry.Max, entry.MaxTimestamp)
					default:
						return fmt.Errorf("unknown entry variant %T", entry)
					}
				}
				return nil
			})
		},
	}
	dump.Flags().Uint64Var(&peer, "peer", 0, "peer identifier of the scope")
	dump.Flags().Uint32Var(&namespace, "namespace", 0, "namespace of the scope")

	scopes := &cobra.Command{
		Use:   "scopes",
		Short: "list every scope with at least one entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e *engine.Engine) error {
				scopes, err := e.Scopes()
				if err != nil {
					return err
				}
				for _, scope := range scopes {
					fmt.Fprintln(cmd.OutOrStdout(), scope)
				}
				return nil
			})
		},
	}

	seed := &cobra.Command{
		Use:   "seed",
		Short: "apply first-touch seeding to one scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(func(e *engine.Engine) error {
				scope := types.Scope{Peer: types.PeerID(peer), Namespace: types.Namespace(namespace)}
				if err := e.Seed(scope); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %s\n", scope)
				return nil
			})
		},
	}
	seed.Flags().Uint64Var(&peer, "peer", 0, "peer identifier of the scope")
	seed.Flags().Uint32Var(&namespace, "namespace", 0, "namespace of the scope")

	root.AddCommand(dump, scopes, seed)
	return root
}

// withEngine opens the data directory under an exclusive file lock and
// hands a ready engine to fn.
func withEngine(fn func(*engine.Engine) error) error {
	logger := log.NewDefault("chatmesh")
	dataDir := config.DataDir()
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	lockPath := config.FileLock
	if lockPath == "" {
		lockPath = filepath.Join(dataDir, "chatmesh.lock")
	}
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("flock %s: %w", lockPath, err)
	}
	if !locked {
		return fmt.Errorf("only one chatmesh instance may use %s", dataDir)
	}
	defer fl.Unlock()

	db, err := database.NewLDBDatabase(filepath.Join(dataDir, "history"), 16, 16, logger.WithName("database"))
	if err != nil {
		return err
	}
	defer db.Close()

	policy, err := config.Seed.Policy()
	if err != nil {
		return err
	}
	return fn(engine.New(db, policy, logger))
}
