package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"clonekernel/internal/cloneconfig"
	cloneconfigfile "clonekernel/internal/cloneconfig/file"
)

func newConfigureCmd(log *slog.Logger) *cobra.Command {
	var (
		dataDir       string
		transportKind string
		transportKV   []string
		masterKeyID   string
		chunkSizeExp  uint
		blockSizeExp  uint
	)

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Write this session's cloneconfig.Config to disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseTransportParams(transportKV)
			if err != nil {
				return err
			}

			cfg := &cloneconfig.Config{
				DataDir:           dataDir,
				ChunkSizeExponent: chunkSizeExp,
				BlockSizeExponent: blockSizeExp,
				MasterKeyID:       masterKeyID,
				Transport:         cloneconfig.TransportKind(transportKind),
				TransportParams:   params,
			}

			store := cloneconfigfile.NewStore(filepath.Join(sessionDir(cmd), "config.json"))
			if err := store.Save(cmd.Context(), cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			log.Info("wrote session configuration", "data_dir", dataDir, "transport", transportKind)
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "InnoDB data directory (required)")
	cmd.Flags().StringVar(&transportKind, "transport", string(cloneconfig.TransportLocalFile), "transport backend: localfile, s3, azureblob")
	cmd.Flags().StringArrayVar(&transportKV, "transport-param", nil, "transport-specific key=value parameter, repeatable")
	cmd.Flags().StringVar(&masterKeyID, "master-key-id", "", "destination master key id for page re-encryption")
	cmd.Flags().UintVar(&chunkSizeExp, "chunk-size-exp", 4, "chunk size as a power-of-two page count exponent")
	cmd.Flags().UintVar(&blockSizeExp, "block-size-exp", 0, "block size as a power-of-two page count exponent")
	cmd.MarkFlagRequired("data-dir")

	return cmd
}

func parseTransportParams(kvs []string) (map[string]string, error) {
	params := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --transport-param %q: expected key=value", kv)
		}
		params[k] = v
	}
	return params, nil
}
