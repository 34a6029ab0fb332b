package commands

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	sshpkg "golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/cursiveterminal/deployctl/pkg/config"
	"github.com/cursiveterminal/deployctl/pkg/templates"
)

func newInitCommand() *cobra.Command {
	var noKey bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the deployctl data directory",
		Long: `Create the data directory with a config file, the target registry database,
the default script templates, a policies directory and an ed25519 deploy key.

Existing files are left untouched, so init is safe to run again after an
upgrade to pick up new default templates.`,
		Example: `  # Initialize ~/.deployctl
  deployctl init

  # Initialize a project-local data directory
  deployctl init --data-dir ./.deployctl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			dataDir := settings.DataDir

			log.Info().Str("data_dir", dataDir).Msg("Initializing data directory")
			fmt.Fprintf(out, "Initializing deployctl in %s\n\n", dataDir)

			dirs := []string{dataDir, filepath.Join(dataDir, "keys")}
			if p := settings.PoliciesPath(); p != "" {
				dirs = append(dirs, p)
			}
			for _, dir := range dirs {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Fprintf(out, "✓ Created directory: %s\n", dir)
			}

			cfgFile := filepath.Join(dataDir, "config.yaml")
			if configPath != "" {
				cfgFile = configPath
			}
			written, err := writeDefaultConfig(cfgFile, settings)
			if err != nil {
				return err
			}
			if written {
				fmt.Fprintf(out, "✓ Created config file: %s\n", cfgFile)
			} else {
				fmt.Fprintf(out, "✓ Config file already exists: %s\n", cfgFile)
			}

			store, err := openStore(ctx, settings)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Initialized database: %s\n", settings.DatabasePath())

			tmpl := templates.NewStore(settings.TemplatesPath(), log.Logger)
			if err := tmpl.Init(); err != nil {
				return fmt.Errorf("failed to seed templates: %w", err)
			}
			fmt.Fprintf(out, "✓ Seeded templates: %s\n", tmpl.Dir())

			if !noKey {
				keyPath := filepath.Join(dataDir, "keys", "id_ed25519")
				created, err := generateDeployKey(keyPath)
				if err != nil {
					return err
				}
				if created {
					fmt.Fprintf(out, "✓ Generated SSH keypair: %s\n", keyPath)
				} else {
					fmt.Fprintf(out, "✓ SSH keypair already exists: %s\n", keyPath)
				}
			}

			fmt.Fprintf(out, "\n✅ deployctl initialized\n\n")
			fmt.Fprintf(out, "Next steps:\n")
			fmt.Fprintf(out, "  1. Register a host:\n")
			fmt.Fprintf(out, "     deployctl target add --hostname web-1 --address 10.0.0.11 --user deploy --tag web\n\n")
			fmt.Fprintf(out, "  2. Run a template against it:\n")
			fmt.Fprintf(out, "     deployctl deploy apply health.cue\n\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&noKey, "no-key", false, "skip generating a deploy key")
	return cmd
}

// writeDefaultConfig writes the effective settings as YAML unless path exists.
func writeDefaultConfig(path string, s *config.Settings) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	doc := map[string]interface{}{
		"database":      s.Database,
		"templates_dir": s.TemplatesDir,
		"policies_dir":  s.PoliciesDir,
		"engine": map[string]interface{}{
			"max_workers":     s.Engine.MaxWorkers,
			"parallel_limit":  s.Engine.ParallelLimit,
			"timeout_seconds": s.Engine.TimeoutSeconds,
			"partial_success": s.Engine.PartialSuccess,
			"retry":           s.Engine.Retry,
			"run_deadline":    s.Engine.RunDeadline,
		},
		"ssh": map[string]interface{}{
			"known_hosts":              s.SSH.KnownHostsPath,
			"strict_host_key_checking": s.SSH.StrictHostKeyChecking,
			"connect_timeout":          s.SSH.ConnectTimeout.String(),
			"remote_temp_dir":          s.SSH.RemoteTempDir,
		},
		"log": map[string]interface{}{
			"level":  s.Log.Level,
			"format": s.Log.Format,
		},
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return false, err
	}
	content := append([]byte("# deployctl configuration\n"), data...)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return false, fmt.Errorf("failed to write config file: %w", err)
	}
	return true, nil
}

// generateDeployKey writes an OpenSSH ed25519 keypair unless one exists.
func generateDeployKey(keyPath string) (bool, error) {
	if _, err := os.Stat(keyPath); err == nil {
		return false, nil
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return false, fmt.Errorf("failed to generate keypair: %w", err)
	}

	privBlock, err := sshpkg.MarshalPrivateKey(privKey, "deployctl")
	if err != nil {
		return false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(privBlock), 0o600); err != nil {
		return false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := sshpkg.NewPublicKey(pubKey)
	if err != nil {
		return false, fmt.Errorf("failed to create SSH public key: %w", err)
	}
	if err := os.WriteFile(keyPath+".pub", sshpkg.MarshalAuthorizedKey(sshPubKey), 0o644); err != nil {
		return false, fmt.Errorf("failed to write public key: %w", err)
	}
	return true, nil
}
