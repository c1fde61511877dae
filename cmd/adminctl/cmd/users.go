package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage principals in the User Directory",
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all principals",
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminGet("/admin/users")
	},
}

var getCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Show one principal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminGet("/admin/users/" + args[0])
	},
}

var (
	createCredential string
	createTier       string
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new principal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{
			"name": args[0], "credential": createCredential, "tier": createTier,
		}
		return adminPost("/admin/users", body)
	},
}

var enableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Reactivate a disabled principal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminPost("/admin/users/"+args[0]+"/active", map[string]bool{"active": true})
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Deactivate a principal, invalidating its cached login",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminPost("/admin/users/"+args[0]+"/active", map[string]bool{"active": false})
	},
}

func init() {
	createCmd.Flags().StringVar(&createCredential, "credential", "", "plaintext credential to hash and store")
	createCmd.Flags().StringVar(&createTier, "tier", "basic", "tier: basic, pro, or premium")
	createCmd.MarkFlagRequired("credential")

	usersCmd.AddCommand(listCmd, getCmd, createCmd, enableCmd, disableCmd)
}

var httpClient = &http.Client{Timeout: 10 * time.Second}

func adminGet(path string) error {
	resp, err := httpClient.Get(baseURL + path)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func adminPost(path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request body: %w", err)
	}

	resp, err := httpClient.Post(baseURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("admin request failed with status %d", resp.StatusCode)
	}
	return nil
}
