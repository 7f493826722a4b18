package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/corraldb/corral/pkg/confstore"
	"github.com/corraldb/corral/pkg/consensus"
	"github.com/corraldb/corral/pkg/events"
	"github.com/corraldb/corral/pkg/log"
	"github.com/corraldb/corral/pkg/metrics"
	"github.com/corraldb/corral/pkg/security"
)

// serveConfig is the optional YAML node file; flags override it.
type serveConfig struct {
	Data    string `yaml:"data"`
	Metrics string `yaml:"metrics"`
	TLSDir  string `yaml:"tls_dir"`
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run this server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := serveConfig{}
		if cfgPath, _ := cmd.Flags().GetString("config"); cfgPath != "" {
			buf, err := os.ReadFile(cfgPath)
			if err != nil {
				return fmt.Errorf("failed to read config: %w", err)
			}
			if err := yaml.Unmarshal(buf, &cfg); err != nil {
				return fmt.Errorf("failed to parse config: %w", err)
			}
		}
		if v, _ := cmd.Flags().GetString("data"); v != "" {
			cfg.Data = v
		}
		if v, _ := cmd.Flags().GetString("metrics"); v != "" {
			cfg.Metrics = v
		}
		if v, _ := cmd.Flags().GetString("tls-dir"); v != "" {
			cfg.TLSDir = v
		}
		if cfg.Data == "" {
			cfg.Data = "./corral-data"
		}

		return serve(cfg)
	},
}

func serve(cfg serveConfig) error {
	logger := log.WithComponent("serve")

	opts := consensus.Options{}
	if cfg.TLSDir != "" {
		tlsCfg, err := security.BuildTLSConfig(cfg.TLSDir)
		if err != nil {
			return err
		}
		opts.TLS = tlsCfg
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	opts.Events = broker
	go func() {
		for event := range broker.Subscribe() {
			logger.Debug().
				Str("event", string(event.Type)).
				Uint64("term", event.Term).
				Msg("consensus event")
		}
	}()

	node, err := consensus.Open(logPath(cfg.Data), opts)
	if err != nil {
		return err
	}
	defer node.Close()

	store, err := confstore.Open(cfg.Data)
	if err != nil {
		return err
	}
	defer store.Close()
	metrics.UpdateComponent("consensus", true, "")
	metrics.UpdateComponent("confstore", true, "")

	if cfg.Metrics != "" {
		go func() {
			if err := metrics.Serve(cfg.Metrics); err != nil {
				log.Errorf("metrics endpoint failed", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		node.Close()
	}()

	logger.Info().Str("sid", node.SID().String()).Msg("serving")
	for !node.Closed() {
		node.Run()

		// Drain committed entries into the configuration store.
		for node.HasNextEntry() {
			entry, ok := node.NextEntry()
			if !ok {
				break
			}
			if entry.IsSnapshot {
				if err := store.Restore(uint64(entry.EID), entry.Data); err != nil {
					log.Errorf("failed to restore snapshot", err)
				}
				continue
			}
			if err := store.Apply(uint64(entry.EID), entry.Data); err != nil {
				logger.Error().Err(err).Uint64("eid", uint64(entry.EID)).Msg("failed to apply entry")
			}
		}

		if node.ShouldSnapshot() {
			img, err := store.Snapshot()
			if err != nil {
				log.Errorf("failed to build snapshot", err)
			} else if err := node.StoreSnapshot(img); err != nil {
				log.Errorf("failed to compact log", err)
			}
		}

		node.Wait()
	}
	return nil
}

func init() {
	serveCmd.Flags().String("config", "", "YAML config file")
	serveCmd.Flags().String("data", "", "Data directory")
	serveCmd.Flags().String("metrics", "", "Metrics listen address (host:port), disabled if empty")
	serveCmd.Flags().String("tls-dir", "", "Certificate directory for ssl addresses")
}
