package main

import (
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/google/uuid"
	"github.com/org/passvault/internal/crypto"
	"github.com/org/passvault/internal/kdf"
	"github.com/org/passvault/pkg/models"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "passvault",
	Short:         "passvault CLI",
	Long:          "A zero-knowledge password manager client. Keys are derived and items encrypted locally.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json")

	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(logoutCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(refreshCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(totpCmd())
	rootCmd.AddCommand(itemsCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(restoreCmd())
	rootCmd.AddCommand(auditCmd())
}

// --- register / login ---

func registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <email>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := promptSecret("Master password: ")
			if err != nil {
				return err
			}
			defer crypto.Zero(password)
			confirm, err := promptSecret("Repeat master password: ")
			if err != nil {
				return err
			}
			defer crypto.Zero(confirm)
			if string(password) != string(confirm) {
				return fmt.Errorf("passwords do not match")
			}

			params, err := kdf.NewParams()
			if err != nil {
				return err
			}
			verifier, passwordKey, err := deriveKeys(password, params)
			if err != nil {
				return err
			}
			defer crypto.Zero(verifier)
			defer crypto.Zero(passwordKey)

			vaultKey, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			defer crypto.Zero(vaultKey)
			ct, iv, err := crypto.WrapVaultKey(vaultKey, passwordKey)
			if err != nil {
				return err
			}
			enc, encIV := crypto.EncodeEnvelope(ct, iv)

			var out struct {
				UserID string `json:"userId"`
			}
			err = newClient().call(http.MethodPost, "/api/auth/register", models.RegisterRequest{
				Email:            args[0],
				PasswordVerifier: kdf.EncodeVerifier(verifier),
				KDFParams:        params,
				VaultKeyEnc:      enc,
				VaultKeyEncIV:    encIV,
			}, &out)
			if err != nil {
				return err
			}
			printSuccess("Account created (" + out.UserID + "). Run 'passvault login " + args[0] + "'.")
			return nil
		},
	}
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <email>",
		Short: "Sign in and store a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email := args[0]
			client := newClient()

			var p struct {
				KDFParams models.KDFParams `json:"kdfParams"`
			}
			if err := client.call(http.MethodGet, "/api/auth/login/params?email="+url.QueryEscape(email), nil, &p); err != nil {
				return err
			}

			password, err := promptSecret("Master password: ")
			if err != nil {
				return err
			}
			defer crypto.Zero(password)
			if kdf.IsDummy(p.KDFParams) {
				return errWrongPassword
			}

			verifier, passwordKey, err := deriveKeys(password, p.KDFParams)
			if err != nil {
				return err
			}
			defer crypto.Zero(verifier)
			defer crypto.Zero(passwordKey)

			if cfg.DeviceID == "" {
				cfg.DeviceID = uuid.NewString()
			}

			// The body is either a login response or a 2FA challenge.
			var raw struct {
				models.LoginResponse
				models.TwoFactorChallenge
			}
			err = client.call(http.MethodPost, "/api/auth/login", models.LoginRequest{
				Email:            email,
				PasswordVerifier: kdf.EncodeVerifier(verifier),
				DeviceID:         cfg.DeviceID,
			}, &raw)
			if err != nil {
				return err
			}

			resp := raw.LoginResponse
			if raw.Require2FA {
				code, err := promptLine("Authenticator code: ")
				if err != nil {
					return err
				}
				if err := client.call(http.MethodPost, "/api/auth/2fa/verify", models.TwoFactorVerifyRequest{
					TempToken: raw.TempToken,
					Code:      code,
					DeviceID:  cfg.DeviceID,
				}, &resp); err != nil {
					return err
				}
			}

			// Check the wrapped key opens before keeping the session.
			ct, iv, err := crypto.DecodeEnvelope(resp.VaultKeyEnc, resp.VaultKeyEncIV)
			if err != nil {
				return errWrongPassword
			}
			vaultKey, err := crypto.UnwrapVaultKey(ct, iv, passwordKey)
			if err != nil {
				return errWrongPassword
			}
			crypto.Zero(vaultKey)

			cfg.Email = resp.User.Email
			cfg.AccessToken = resp.AccessToken
			cfg.RefreshToken = resp.RefreshToken
			cfg.KDFParams = p.KDFParams
			cfg.VaultKeyEnc = resp.VaultKeyEnc
			cfg.VaultKeyEncIV = resp.VaultKeyEncIV
			if err := saveConfig(); err != nil {
				return err
			}
			printSuccess("Logged in as " + resp.User.Email)
			return nil
		},
	}
}

func logoutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logout",
		Short: "End this session (or all with --all)",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			client := newClient()
			if all {
				var out struct {
					Revoked int64 `json:"revoked"`
				}
				if err := client.authed(http.MethodPost, "/api/auth/logout-all", nil, &out); err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("Revoked %d session(s)", out.Revoked))
			} else if err := client.authed(http.MethodPost, "/api/auth/logout", nil, nil); err != nil {
				return err
			}
			clearSession()
			if err := saveConfig(); err != nil {
				return err
			}
			printSuccess("Logged out")
			return nil
		},
	}
	cmd.Flags().Bool("all", false, "Revoke every session of this account")
	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			var me models.UserInfo
			if err := newClient().authed(http.MethodGet, "/api/auth/me", nil, &me); err != nil {
				return err
			}
			twoFA := "disabled"
			if me.TwoFactorEnabled {
				twoFA = "enabled"
			}
			printFields(me, [][2]string{
				{"user_id", me.UserID},
				{"email", me.Email},
				{"2fa", twoFA},
				{"created", fmtTime(me.CreatedAt)},
			})
			return nil
		},
	}
}

func refreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Refresh the stored access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.RefreshToken == "" {
				return fmt.Errorf("not logged in; run 'passvault login'")
			}
			if err := newClient().refresh(); err != nil {
				return err
			}
			printSuccess("Session refreshed")
			return nil
		},
	}
}
