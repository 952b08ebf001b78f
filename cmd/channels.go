package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"conduit/internal/api"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// channelsServer is the base URL of the running conduit server.
var channelsServer string

// channelsPassword is the admin password; CONDUIT_ADMIN_PASSWORD is the
// fallback so scripts do not have to put it on the command line.
var channelsPassword string

func newChannelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Inspect channels on a running conduit server",
	}
	cmd.PersistentFlags().StringVar(&channelsServer, "server", "http://127.0.0.1:8080", "Base URL of the running server")
	cmd.PersistentFlags().StringVar(&channelsPassword, "password", "", "Admin password (defaults to CONDUIT_ADMIN_PASSWORD)")
	cmd.AddCommand(newChannelsListCmd())
	return cmd
}

// adminRequest performs one authenticated call against the admin API.
func adminRequest(method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, strings.TrimRight(channelsServer, "/")+path, body)
	if err != nil {
		return nil, err
	}
	password := channelsPassword
	if password == "" {
		password = os.Getenv("CONDUIT_ADMIN_PASSWORD")
	}
	if password != "" {
		req.Header.Set("X-Admin-Password", password)
	}
	return http.DefaultClient.Do(req)
}

// readAPIError turns a non-2xx admin response into an error.
func readAPIError(resp *http.Response) error {
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	var wire struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &wire); err == nil && wire.Error != "" {
		return fmt.Errorf("server returned %s: %s", resp.Status, wire.Error)
	}
	return fmt.Errorf("server returned %s", resp.Status)
}

func newChannelsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List deployed channels with state and statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := adminRequest(http.MethodGet, "/channels", nil)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return readAPIError(resp)
			}
			defer resp.Body.Close()

			var statuses []api.ChannelStatus
			if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
				return fmt.Errorf("decoding channel list: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATE\tRECEIVED\tSENT\tERRORED\tQUEUED")
			for _, status := range statuses {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
					status.ChannelID, status.Name, status.State,
					status.Statistics.Received, status.Statistics.Sent,
					status.Statistics.Errored, status.Statistics.Queued)
			}
			return w.Flush()
		},
	}
}
