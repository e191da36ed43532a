package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MacJediWizard/decentrilicense/internal/license"
	"github.com/MacJediWizard/decentrilicense/internal/session"
)

func newImportCmd(flags *globalFlags) *cobra.Command {
	var (
		file      string
		clipboard bool
	)

	cmd := &cobra.Command{
		Use:   "import [token]",
		Short: "Import a token from a file, the clipboard or an argument",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input, err := readTokenInput(cmd, file, clipboard, args)
			if err != nil {
				return err
			}

			e, err := flags.openEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			v, err := e.session.Import(cmd.Context(), input)
			if err != nil {
				return err
			}
			tok := v.Token()
			fmt.Printf("Imported token %s\n", tok.TokenID)
			fmt.Printf("  License:     %s\n", tok.LicenseCode)
			fmt.Printf("  App:         %s\n", tok.AppID)
			fmt.Printf("  State index: %d\n", tok.StateIndex)
			if tok.HolderDeviceID != "" {
				fmt.Printf("  Holder:      %s\n", tok.HolderDeviceID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "read the token from a file")
	cmd.Flags().BoolVar(&clipboard, "clipboard", false, "read the token from the clipboard")
	cmd.MarkFlagsMutuallyExclusive("file", "clipboard")

	return cmd
}

func readTokenInput(cmd *cobra.Command, file string, clipboard bool, args []string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case file != "":
		data, err = os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read token file: %w", err)
		}
	case clipboard:
		data, err = readClipboard(cmd.Context())
		if err != nil {
			return nil, err
		}
	case len(args) == 1:
		data = []byte(args[0])
	default:
		return nil, errors.New("provide a token, --file or --clipboard")
	}

	data = []byte(strings.TrimSpace(string(data)))
	if len(data) == 0 {
		return nil, errors.New("token input is empty")
	}
	return data, nil
}

func newSetRootKeyCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set-root-key <file>",
		Short: "Trust the root public key in a PEM file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setKeyPath(cmd, flags, args[0], func(e *env, path string, data []byte) error {
				if err := e.session.SetRootKey(data); err != nil {
					return err
				}
				e.cfg.RootKeyPath = path
				return nil
			})
		},
	}
}

func newSetProductKeyCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set-product-key <file>",
		Short: "Trust the product key and use it for the encrypted transport",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setKeyPath(cmd, flags, args[0], func(e *env, path string, data []byte) error {
				if err := e.session.SetProductKey(data); err != nil {
					return err
				}
				e.cfg.ProductKeyPath = path
				return nil
			})
		},
	}
}

// setKeyPath validates the key file through apply and records its path in
// the config file.
func setKeyPath(cmd *cobra.Command, flags *globalFlags, file string, apply func(*env, string, []byte) error) error {
	path, err := filepath.Abs(file)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read key file: %w", err)
	}

	e, err := flags.openEnv(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := apply(e, path, data); err != nil {
		return err
	}
	if err := e.cfg.Save(e.path); err != nil {
		return err
	}
	fmt.Printf("Key %s saved to %s\n", path, e.path)
	return nil
}

func newActivateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "activate",
		Short: "Bind the token to this device after a LAN election",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.openEnv(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.load(cmd.Context(), flags); err != nil {
				return err
			}
			out, err := e.session.Activate(cmd.Context())
			if err != nil {
				return err
			}
			tok := out.Token.Token()
			if out.AlreadyCurrent {
				fmt.Printf("Token %s is already bound to this device\n", tok.TokenID)
				return nil
			}
			fmt.Printf("Token %s bound to %s\n", tok.TokenID, tok.HolderDeviceID)
			return nil
		},
	}
}

func newRebindCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rebind",
		Short: "Resume the token on the device it is bound to",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.openEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.load(cmd.Context(), flags); err != nil {
				return err
			}
			res, err := e.session.Rebind(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Token %s resumed at state %d (%s)\n", res.Token.Token().TokenID, res.StateIndex, res.Role)
			return nil
		},
	}
}

func newVerifyCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the token trust chain and ledger offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.openEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.load(cmd.Context(), flags); err != nil {
				return err
			}
			v, err := e.session.Verify()
			if err != nil {
				return err
			}
			tok := v.Token()
			fmt.Printf("Token %s is valid\n", tok.TokenID)
			if tok.ExpireTime > 0 {
				fmt.Printf("  Expires: %s\n", time.Unix(tok.ExpireTime, 0).UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newStatusCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of the stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.openEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.load(cmd.Context(), flags); err != nil && !errors.Is(err, session.ErrNoToken) {
				return err
			}
			st := e.session.Status()

			if asJSON {
				data, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}
			printStatus(e.session.DeviceID(), st)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func printStatus(deviceID string, st license.StatusSnapshot) {
	fmt.Printf("Device: %s\n", deviceID)
	if !st.HasToken {
		fmt.Println("No token imported. Run 'dlicense import' first.")
		return
	}
	fmt.Printf("Token:       %s\n", st.TokenID)
	fmt.Printf("License:     %s\n", st.LicenseCode)
	fmt.Printf("App:         %s\n", st.AppID)
	fmt.Printf("Activated:   %t\n", st.Activated)
	if st.HolderDeviceID != "" {
		fmt.Printf("Holder:      %s\n", st.HolderDeviceID)
	}
	fmt.Printf("State index: %d\n", st.StateIndex)
	fmt.Printf("Issued:      %s\n", time.Unix(st.IssueTime, 0).UTC().Format(time.RFC3339))
	if st.ExpireTime > 0 {
		fmt.Printf("Expires:     %s (expired: %t)\n", time.Unix(st.ExpireTime, 0).UTC().Format(time.RFC3339), st.Expired)
	}
	if st.EnvironmentMismatch {
		fmt.Println("Warning:     token was issued for a different host environment")
	}
}

func newRecordCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "record <action> [key=value...]",
		Short: "Append a usage record to the ledger",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[1:])
			if err != nil {
				return err
			}

			e, err := flags.openEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.load(cmd.Context(), flags); err != nil {
				return err
			}
			if _, err := e.session.Rebind(cmd.Context()); err != nil {
				return err
			}
			rec, err := e.session.RecordUsage(cmd.Context(), args[0], params)
			if err != nil {
				return err
			}
			fmt.Printf("Recorded %s as state %d\n", rec.Action, rec.Seq)
			return nil
		},
	}
}

// parseParams turns key=value arguments into a map.
func parseParams(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	params := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected key=value", arg)
		}
		params[key] = value
	}
	return params, nil
}

func newExportCmd(flags *globalFlags) *cobra.Command {
	var (
		plain bool
		out   string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the current token",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.openEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.load(cmd.Context(), flags); err != nil {
				return err
			}
			mode := license.EncryptedTransport
			if plain {
				mode = license.Plain
			}
			data, err := e.session.Export(mode)
			if err != nil {
				return err
			}

			if out == "" {
				fmt.Println(string(data))
				return nil
			}
			if err := os.WriteFile(out, data, 0600); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Printf("Token exported to %s (%s)\n", out, mode)
			return nil
		},
	}

	cmd.Flags().BoolVar(&plain, "plain", false, "export the plain JSON token instead of the encrypted transport form")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the token to a file")
	return cmd
}

func newLedgerCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the usage ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Replay the usage ledger and check every record",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := flags.openEnv(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.load(cmd.Context(), flags); err != nil {
				return err
			}
			if err := e.session.VerifyLedger(); err != nil {
				return err
			}
			fmt.Printf("Ledger OK: %d records\n", e.session.Status().StateIndex)
			return nil
		},
	})

	return cmd
}
