package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func newPublishCmd(g *globalFlags, lookupEnv func(string) (string, bool)) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "publish <eventName> [payload]",
		Short: "Publish a raw payload under an event name",
		Long: "Publish sends payload, the contents of --file, or standard input as the body of\n" +
			"an integration event named eventName.",
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readPayload(cmd, args[1:], file)
			if err != nil {
				return err
			}

			b, _, _, err := g.openBus(cmd, lookupEnv)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.PublishRaw(cmd.Context(), args[0], body); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "published %s as %s (%d bytes)\n",
				args[0], b.Normalizer().Normalize(args[0]), len(body))

			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "read the payload from a file, - for stdin")

	return cmd
}

func readPayload(cmd *cobra.Command, args []string, file string) ([]byte, error) {
	switch {
	case len(args) == 1 && file != "":
		return nil, errors.New("payload argument and --file are mutually exclusive")
	case len(args) == 1:
		return []byte(args[0]), nil
	case file == "" || file == "-":
		return io.ReadAll(cmd.InOrStdin())
	default:
		return os.ReadFile(file)
	}
}
