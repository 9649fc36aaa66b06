package main

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"tatchi/internal/config"
	"tatchi/internal/logging"
	"tatchi/internal/modexp"
	"tatchi/internal/relay"
	"tatchi/internal/vrferr"
)

var (
	keyOut   string
	keyFile  string
	retireID string
	force    bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a relay key file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, params, err := loadParams()
		if err != nil {
			return err
		}
		out := keyOut
		if out == "" {
			out = cfg.RelayServer.KeyFile
		}
		if out == "" {
			return fmt.Errorf("no key file: pass --out or set relay_server.key_file")
		}
		if !force {
			if _, err := relay.LoadKeyFile(out); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", out)
			}
		}

		key, err := relay.GenerateServerKey(params, nil)
		if err != nil {
			return err
		}
		defer key.Keys.Wipe()
		if err := relay.WriteKeyFile(out, relay.NewKeyFile(cfg.Modexp.PB64u, key)); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\nCurrent key: %s\n", out, key.ID)
		return nil
	},
}

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Make a fresh key current and keep the previous one as a grace key",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, params, err := loadParams()
		if err != nil {
			return err
		}
		path := keyFilePath(cfg)
		kf, err := relay.LoadKeyFile(path)
		if err != nil {
			return err
		}
		if _, _, err := kf.Keys(params); err != nil {
			return err
		}

		next, err := relay.GenerateServerKey(params, nil)
		if err != nil {
			return err
		}
		defer next.Keys.Wipe()

		previous := kf.Current
		kf.Grace = append(kf.Grace, previous)
		kf.Current = relay.NewKeyFile(kf.PB64u, next).Current
		if err := relay.WriteKeyFile(path, kf); err != nil {
			return err
		}
		recordKeyEvent(cfg, logging.AuditServerKeyRotated, next.ID)
		fmt.Fprintf(cmd.OutOrStdout(), "Current key: %s\nGrace keys:  %d\n", next.ID, len(kf.Grace))
		return nil
	},
}

var retireCmd = &cobra.Command{
	Use:   "retire",
	Short: "Remove a grace key; blobs locked under it can no longer be opened",
	RunE: func(cmd *cobra.Command, args []string) error {
		if retireID == "" {
			return fmt.Errorf("--id is required")
		}
		cfg, _, err := loadParams()
		if err != nil {
			return err
		}
		path := keyFilePath(cfg)
		kf, err := relay.LoadKeyFile(path)
		if err != nil {
			return err
		}
		if kf.Current.ID == retireID {
			return fmt.Errorf("cannot retire the current key: %w", vrferr.ErrInvalidInput)
		}
		i := slices.IndexFunc(kf.Grace, func(e relay.KeyFileEntry) bool { return e.ID == retireID })
		if i < 0 {
			return fmt.Errorf("no grace key %s: %w", retireID, vrferr.ErrInvalidInput)
		}
		kf.Grace = slices.Delete(kf.Grace, i, i+1)
		if err := relay.WriteKeyFile(path, kf); err != nil {
			return err
		}
		recordKeyEvent(cfg, logging.AuditServerKeyRetired, retireID)
		fmt.Fprintf(cmd.OutOrStdout(), "Retired %s\n", retireID)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVarP(&keyOut, "out", "o", "", "key file to write (default relay_server.key_file)")
	keygenCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")
	for _, c := range []*cobra.Command{rotateCmd, retireCmd} {
		c.Flags().StringVar(&keyFile, "key-file", "", "key file (default relay_server.key_file)")
	}
	retireCmd.Flags().StringVar(&retireID, "id", "", "grace key id to retire")
}

func loadParams() (*config.Config, *modexp.Params, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, nil, err
	}
	params, err := cfg.ModexpParams()
	if err != nil {
		return nil, nil, err
	}
	return cfg, params, nil
}

func keyFilePath(cfg *config.Config) string {
	if keyFile != "" {
		return keyFile
	}
	return cfg.RelayServer.KeyFile
}

func recordKeyEvent(cfg *config.Config, typ logging.AuditEventType, keyID string) {
	audit, err := openAudit(cfg)
	if err != nil {
		return
	}
	defer audit.Close()
	_ = audit.Log(context.Background(), logging.AuditEvent{
		EventType: typ,
		Result:    logging.ResultSuccess,
		Details:   map[string]string{"key_id": keyID},
	})
}
