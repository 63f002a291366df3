package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/uber/compiler-server/src/compilerd/client"
	"github.com/uber/compiler-server/src/compilerd/entity"
)

func newShutdownCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Ask the running server to exit once its in-flight builds complete",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := loadEnvironment()
			if err != nil {
				return err
			}

			c, err := client.Dial(cmd.Context(), env.identity.SocketPath, env.codec, env.logger)
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no compiler server is running")
				return nil
			}
			defer c.Close()

			resp, err := c.Shutdown(cmd.Context())
			if err != nil {
				return err
			}
			if resp.Reason != entity.ReasonShutdown {
				return fmt.Errorf("server refused to shut down: %s %s", resp.Reason, resp.ErrorMessage)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compiler server %d is shutting down\n", resp.ServerProcessID)
			return nil
		},
	}
}
