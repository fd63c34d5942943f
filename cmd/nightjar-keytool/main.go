// main.go - Nightjar key management tool.
// Copyright (C) 2026  Nightjar Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/katzenpost/hpqc/rand"

	"github.com/nightjar-im/nightjar/config"
	"github.com/nightjar-im/nightjar/engine"
	"github.com/nightjar-im/nightjar/recoverykey"
	"github.com/nightjar-im/nightjar/store"
	"github.com/nightjar-im/nightjar/wire"
)

const (
	flagConfig    = "config"
	flagPickleKey = "pickle-key"
	flagFile      = "file"
)

var rootCmd = &cobra.Command{
	Use:           "nightjar-keytool",
	Short:         "Nightjar crypto store key management tool",
	Long:          "Exports, imports and recovery-key-encodes the group session keys held in a nightjar crypto store.",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// openEngine loads the crypto store named by the config file and
// returns the engine over it.  The caller closes the store.
func openEngine(cmd *cobra.Command) (*engine.Engine, *store.BoltStore, error) {
	cfgFile, _ := cmd.Flags().GetString(flagConfig)
	pickleKey, _ := cmd.Flags().GetString(flagPickleKey)
	if cfgFile == "" || pickleKey == "" {
		return nil, nil, fmt.Errorf("--%s and --%s are required", flagConfig, flagPickleKey)
	}
	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logBackend, err := cfg.InitLogBackend()
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewBoltStore(cfg.Store.File)
	if err != nil {
		return nil, nil, err
	}
	e, err := engine.New(st, logBackend, []byte(pickleKey))
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return e, st, nil
}

var exportKeysCmd = &cobra.Command{
	Use:   "export-keys",
	Short: "Export all inbound group sessions",
	Long:  "Export every held inbound group session to a JSON file, for transfer to another device.",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, st, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		sessions, err := e.ExportAllInboundGroupSessions()
		if err != nil {
			return err
		}
		raw, err := json.MarshalIndent(sessions, "", "  ")
		if err != nil {
			return err
		}
		f, _ := cmd.Flags().GetString(flagFile)
		if f == "" {
			_, err = os.Stdout.Write(append(raw, '\n'))
			return err
		}
		if err = os.WriteFile(f, raw, 0600); err != nil {
			return err
		}
		fmt.Printf("Exported %d sessions to %s\n", len(sessions), f)
		return nil
	},
}

var importKeysCmd = &cobra.Command{
	Use:   "import-keys",
	Short: "Import group sessions from an export file",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, _ := cmd.Flags().GetString(flagFile)
		if f == "" {
			return fmt.Errorf("--%s is required", flagFile)
		}
		raw, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		var sessions []*wire.ExportedSession
		if err = json.Unmarshal(raw, &sessions); err != nil {
			return err
		}

		e, st, err := openEngine(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		for _, s := range sessions {
			if err = e.ImportInboundGroupSession(s); err != nil {
				return fmt.Errorf("importing session %s: %v", s.SessionID, err)
			}
		}
		fmt.Printf("Imported %d sessions\n", len(sessions))
		return nil
	},
}

var recoveryKeyCmd = &cobra.Command{
	Use:   "recovery-key",
	Short: "Generate or check a backup recovery key",
}

var recoveryKeyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a fresh recovery key",
	RunE: func(cmd *cobra.Command, args []string) error {
		key := make([]byte, recoverykey.KeySize)
		if _, err := rand.Reader.Read(key); err != nil {
			return err
		}
		encoded, err := recoverykey.Encode(key)
		if err != nil {
			return err
		}
		fmt.Println(encoded)
		return nil
	},
}

var recoveryKeyCheckCmd = &cobra.Command{
	Use:   "check [key]",
	Short: "Validate a transcribed recovery key",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var sb string
		for _, arg := range args {
			sb += arg + " "
		}
		if _, err := recoverykey.Decode(sb); err != nil {
			return err
		}
		fmt.Println("Recovery key is valid.")
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().String(flagConfig, "", "path to the TOML configuration file")
	rootCmd.PersistentFlags().String(flagPickleKey, "", "key protecting the persisted crypto objects")

	exportKeysCmd.Flags().String(flagFile, "", "output file, stdout if omitted")
	importKeysCmd.Flags().String(flagFile, "", "input file (required)")

	recoveryKeyCmd.AddCommand(recoveryKeyGenerateCmd)
	recoveryKeyCmd.AddCommand(recoveryKeyCheckCmd)
	rootCmd.AddCommand(exportKeysCmd)
	rootCmd.AddCommand(importKeysCmd)
	rootCmd.AddCommand(recoveryKeyCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
