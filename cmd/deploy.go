package cmd

import (
	"bytes"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

var deployCmd = &cobra.Command{
	Use:   "deploy <file ...>",
	Short: "Deploy channel YAML files to a running conduit server",
	Long: `Posts each channel definition to the running server, which validates
it and deploys it (redeploying if a channel with the same id is already
present). The files are validated server-side; use 'conduit validate' for an
offline check.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDeploy,
}

func runDeploy(cmd *cobra.Command, args []string) error {
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		resp, err := adminRequest(http.MethodPost, "/channels/_deploy", bytes.NewReader(data))
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: %w", path, readAPIError(resp))
		}
		var wire struct {
			ChannelID string `json:"channelId"`
		}
		err = json.NewDecoder(resp.Body).Decode(&wire)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("%s: decoding deploy response: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deployed %s (%s)\n", wire.ChannelID, path)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(deployCmd)
	deployCmd.Flags().StringVar(&channelsServer, "server", "http://127.0.0.1:8080", "Base URL of the running server")
	deployCmd.Flags().StringVar(&channelsPassword, "password", "", "Admin password (defaults to CONDUIT_ADMIN_PASSWORD)")
}
