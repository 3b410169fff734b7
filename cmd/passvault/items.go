package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/org/passvault/internal/crypto"
	"github.com/org/passvault/pkg/models"
	"github.com/spf13/cobra"
)

// --- items ---

func itemsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "items", Short: "Manage vault items"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List items, optionally filtered by a search term",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, _ := cmd.Flags().GetString("search")
			path := "/api/vault/items"
			if q != "" {
				path += "?q=" + url.QueryEscape(q)
			}
			var items []models.VaultItem
			if err := newClient().authed(http.MethodGet, path, nil, &items); err != nil {
				return err
			}
			rows := make([][]string, 0, len(items))
			for _, it := range items {
				rows = append(rows, []string{it.ID, it.Title, it.Username, it.URL, strings.Join(it.Tags, ","), fmtTime(it.UpdatedAt)})
			}
			printTable(items, []string{"ID", "TITLE", "USERNAME", "URL", "TAGS", "UPDATED"}, rows)
			return nil
		},
	}
	listCmd.Flags().StringP("search", "q", "", "Search title, username, url and tags")

	addCmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add an item; the password is prompted for",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			username, _ := cmd.Flags().GetString("username")
			site, _ := cmd.Flags().GetString("url")
			tags, _ := cmd.Flags().GetStringSlice("tag")
			notes, _ := cmd.Flags().GetString("notes")

			secret, err := promptSecret("Item password: ")
			if err != nil {
				return err
			}
			defer crypto.Zero(secret)

			vaultKey, err := unlockVault()
			if err != nil {
				return err
			}
			defer crypto.Zero(vaultKey)

			ct, iv, err := crypto.EncryptItem(vaultKey, crypto.ItemSecret{Password: string(secret), Notes: notes})
			if err != nil {
				return err
			}
			enc, encIV := crypto.EncodeEnvelope(ct, iv)

			var created models.VaultItem
			if err := newClient().authed(http.MethodPost, "/api/vault/items", &models.VaultItem{
				Title:         args[0],
				Username:      username,
				URL:           site,
				Tags:          tags,
				EncryptedData: enc,
				IV:            encIV,
				Version:       1,
			}, &created); err != nil {
				return err
			}
			printSuccess("Item created: " + created.ID)
			return nil
		},
	}
	addCmd.Flags().String("username", "", "Username for the item")
	addCmd.Flags().String("url", "", "URL for the item")
	addCmd.Flags().StringSlice("tag", nil, "Tag (repeatable)")
	addCmd.Flags().String("notes", "", "Notes, stored encrypted")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show an item; --reveal decrypts its password and notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reveal, _ := cmd.Flags().GetBool("reveal")
			var it models.VaultItem
			if err := newClient().authed(http.MethodGet, "/api/vault/items/"+url.PathEscape(args[0]), nil, &it); err != nil {
				return err
			}
			fields := [][2]string{
				{"id", it.ID},
				{"title", it.Title},
				{"username", it.Username},
				{"url", it.URL},
				{"tags", strings.Join(it.Tags, ", ")},
				{"updated", fmtTime(it.UpdatedAt)},
			}
			if reveal {
				secret, err := decryptItem(&it)
				if err != nil {
					return err
				}
				fields = append(fields, [2]string{"password", secret.Password}, [2]string{"notes", secret.Notes})
			}
			printFields(it, fields)
			return nil
		},
	}
	getCmd.Flags().Bool("reveal", false, "Decrypt password and notes")

	editCmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Update item fields; --password prompts for a new password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch models.VaultItemPatch
			flags := cmd.Flags()
			if flags.Changed("title") {
				v, _ := flags.GetString("title")
				patch.Title = &v
			}
			if flags.Changed("username") {
				v, _ := flags.GetString("username")
				patch.Username = &v
			}
			if flags.Changed("url") {
				v, _ := flags.GetString("url")
				patch.URL = &v
			}
			if flags.Changed("tag") {
				v, _ := flags.GetStringSlice("tag")
				patch.Tags = &v
			}

			client := newClient()
			changePassword, _ := flags.GetBool("password")
			if changePassword || flags.Changed("notes") {
				var it models.VaultItem
				if err := client.authed(http.MethodGet, "/api/vault/items/"+url.PathEscape(args[0]), nil, &it); err != nil {
					return err
				}
				vaultKey, err := unlockVault()
				if err != nil {
					return err
				}
				defer crypto.Zero(vaultKey)
				secret, err := openItem(vaultKey, &it)
				if err != nil {
					return err
				}
				if changePassword {
					pw, err := promptSecret("New item password: ")
					if err != nil {
						return err
					}
					secret.Password = string(pw)
					crypto.Zero(pw)
				}
				if flags.Changed("notes") {
					secret.Notes, _ = flags.GetString("notes")
				}
				ct, iv, err := crypto.EncryptItem(vaultKey, secret)
				if err != nil {
					return err
				}
				enc, encIV := crypto.EncodeEnvelope(ct, iv)
				version := it.Version + 1
				patch.EncryptedData, patch.IV, patch.Version = &enc, &encIV, &version
			}

			var updated models.VaultItem
			if err := client.authed(http.MethodPut, "/api/vault/items/"+url.PathEscape(args[0]), &patch, &updated); err != nil {
				return err
			}
			printSuccess("Item updated: " + updated.ID)
			return nil
		},
	}
	editCmd.Flags().String("title", "", "New title")
	editCmd.Flags().String("username", "", "New username")
	editCmd.Flags().String("url", "", "New URL")
	editCmd.Flags().StringSlice("tag", nil, "Replace tags (repeatable)")
	editCmd.Flags().String("notes", "", "Replace notes")
	editCmd.Flags().Bool("password", false, "Prompt for a new password")

	rmCmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete an item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().authed(http.MethodDelete, "/api/vault/items/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			printSuccess("Item deleted")
			return nil
		},
	}

	cmd.AddCommand(listCmd, addCmd, getCmd, editCmd, rmCmd)
	return cmd
}

func decryptItem(it *models.VaultItem) (crypto.ItemSecret, error) {
	vaultKey, err := unlockVault()
	if err != nil {
		return crypto.ItemSecret{}, err
	}
	defer crypto.Zero(vaultKey)
	return openItem(vaultKey, it)
}

func openItem(vaultKey []byte, it *models.VaultItem) (crypto.ItemSecret, error) {
	ct, iv, err := crypto.DecodeEnvelope(it.EncryptedData, it.IV)
	if err != nil {
		return crypto.ItemSecret{}, fmt.Errorf("item %s: %w", it.ID, err)
	}
	secret, err := crypto.DecryptItem(vaultKey, ct, iv)
	if err != nil {
		return crypto.ItemSecret{}, fmt.Errorf("item %s: %w", it.ID, err)
	}
	return secret, nil
}

// --- backup / restore ---

type backupFile struct {
	Version    int                 `json:"version"`
	ExportedAt string              `json:"exportedAt"`
	Items      []*models.VaultItem `json:"items"`
}

func backupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <file>",
		Short: "Download an encrypted backup of the vault",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var b backupFile
			if err := newClient().authed(http.MethodGet, "/api/vault/backup", nil, &b); err != nil {
				return err
			}
			data, err := json.MarshalIndent(b, "", "  ")
			if err != nil {
				return err
			}
			if err := os.WriteFile(args[0], data, 0600); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Backed up %d item(s) to %s", len(b.Items), args[0]))
			return nil
		},
	}
}

func restoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restore <file>",
		Short: "Replace the whole vault with a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var b backupFile
			if err := json.Unmarshal(data, &b); err != nil {
				return fmt.Errorf("parsing backup: %w", err)
			}
			if !yes {
				answer, err := promptLine(fmt.Sprintf("Replace every item with %d item(s) from %s? [y/N] ", len(b.Items), args[0]))
				if err != nil {
					return err
				}
				if !strings.EqualFold(answer, "y") {
					return nil
				}
			}
			var res models.ImportResult
			if err := newClient().authed(http.MethodPost, "/api/vault/restore", b, &res); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Restored %d item(s), removed %d", res.Imported, res.Deleted))
			return nil
		},
	}
	cmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
	return cmd
}
