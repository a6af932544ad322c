package main

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/spf13/cobra"

	"github.com/bifrost-registry/bifrost/pkg/client"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check server readiness",
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	c := newClient()
	defer c.Close()

	h, err := c.Health(ctx)
	var apiErr *client.APIError
	notReady := errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable
	if err != nil && !notReady {
		return fmt.Errorf("server unreachable: %w", err)
	}
	if notReady {
		h = &client.Health{Status: "not_ready"}
	}

	if outputFmt != "table" {
		if err := printOutput(cmd.OutOrStdout(), h); err != nil {
			return err
		}
	} else {
		rows := [][]string{{"readiness", h.Status, ""}}
		names := make([]string, 0, len(h.Components))
		for name := range h.Components {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			rows = append(rows, []string{name, h.Components[name]["status"], h.Components[name]["error"]})
		}
		printTable(cmd.OutOrStdout(), []string{"Check", "Status", "Error"}, rows)
	}

	if notReady {
		return fmt.Errorf("server not ready: %s", apiErr.Message)
	}
	return nil
}
