package main

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/org/passvault/pkg/models"
	"github.com/spf13/cobra"
)

// --- sessions ---

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List active sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			var views []models.SessionView
			if err := newClient().authed(http.MethodGet, "/api/sessions", nil, &views); err != nil {
				return err
			}
			rows := make([][]string, 0, len(views))
			for _, v := range views {
				cur := ""
				if v.Current {
					cur = "*"
				}
				rows = append(rows, []string{cur, v.JTI, v.DeviceID, v.IP, v.UserAgent, fmtTime(v.LastUsedAt)})
			}
			printTable(views, []string{"", "JTI", "DEVICE", "IP", "USER AGENT", "LAST USED"}, rows)
			return nil
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke <jti>",
		Short: "Revoke one of your sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().authed(http.MethodDelete, "/api/sessions/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			printSuccess("Session revoked")
			return nil
		},
	}

	othersCmd := &cobra.Command{
		Use:   "revoke-others",
		Short: "Revoke every session except this one",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out struct {
				Revoked int64 `json:"revoked"`
			}
			if err := newClient().authed(http.MethodDelete, "/api/sessions/others", nil, &out); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Revoked %d session(s)", out.Revoked))
			return nil
		},
	}

	cmd.AddCommand(revokeCmd, othersCmd)
	return cmd
}

// --- totp ---

func totpCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "totp", Short: "Manage two-factor authentication"}

	enableCmd := &cobra.Command{
		Use:   "enable",
		Short: "Set up an authenticator app and turn on 2FA",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			var setup models.TOTPSetup
			if err := client.authed(http.MethodPost, "/api/auth/totp/setup", nil, &setup); err != nil {
				return err
			}
			printFields(setup, [][2]string{
				{"secret", setup.SecretBase32},
				{"otpauth", setup.OTPAuthURL},
			})
			code, err := promptLine("Code from the app: ")
			if err != nil {
				return err
			}
			if err := client.authed(http.MethodPost, "/api/auth/totp/confirm", models.TOTPCodeRequest{Code: code}, nil); err != nil {
				return err
			}
			printSuccess("2FA enabled")
			return nil
		},
	}

	disableCmd := &cobra.Command{
		Use:   "disable",
		Short: "Turn off 2FA",
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := promptLine("Current code: ")
			if err != nil {
				return err
			}
			if err := newClient().authed(http.MethodPost, "/api/auth/totp/disable", models.TOTPCodeRequest{Code: code}, nil); err != nil {
				return err
			}
			printSuccess("2FA disabled")
			return nil
		},
	}

	cmd.AddCommand(enableCmd, disableCmd)
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show your security events",
		RunE: func(cmd *cobra.Command, args []string) error {
			eventType, _ := cmd.Flags().GetString("type")
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")

			q := url.Values{}
			if eventType != "" {
				q.Set("eventType", eventType)
			}
			q.Set("limit", strconv.Itoa(limit))
			q.Set("offset", strconv.Itoa(offset))

			var entries []models.AuditEntry
			if err := newClient().authed(http.MethodGet, "/api/audit-log?"+q.Encode(), nil, &entries); err != nil {
				return err
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{fmtTime(e.CreatedAt), e.EventType, e.Description, e.IP})
			}
			printTable(entries, []string{"TIME", "EVENT", "DESCRIPTION", "IP"}, rows)
			return nil
		},
	}
	cmd.Flags().String("type", "", "Only this event type")
	cmd.Flags().Int("limit", 50, "Maximum entries")
	cmd.Flags().Int("offset", 0, "Entries to skip")
	return cmd
}
