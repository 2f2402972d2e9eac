package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/tildaslashalef/innkeep/internal/app"
	"github.com/tildaslashalef/innkeep/internal/dispatch"
	"github.com/tildaslashalef/innkeep/internal/utils"
	"github.com/urfave/cli/v2"
)

// InvokeCommand returns the CLI command that dispatches one backend operation
func InvokeCommand() *cli.Command {
	return &cli.Command{
		Name:      "invoke",
		Usage:     "Run a backend operation, queueing it when the backend is unreachable",
		ArgsUsage: "<operation> [json payload]",
		Description: "Dispatches a named operation with a JSON payload. In desktop mode the operation " +
			"is queued for replay when the backend cannot be reached. Use --file - to read the payload from stdin.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "file",
				Aliases: []string{"f"},
				Usage:   "Read the payload from a file, or - for stdin",
			},
		},
		Action: invokeAction,
	}
}

func invokeAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	operation := c.Args().First()
	if operation == "" {
		return cli.Exit("operation name is required", 1)
	}

	payload, err := readPayload(c)
	if err != nil {
		return err
	}

	switch res := application.Dispatcher.InvokeRaw(c.Context, operation, payload).(type) {
	case dispatch.Completed:
		utils.PrintSuccess(fmt.Sprintf("%s completed", operation))
		if len(res.Data) > 0 {
			fmt.Println(string(res.Data))
		}
	case dispatch.Queued:
		utils.PrintWarning(fmt.Sprintf("Backend unreachable, %s queued as %s", operation, res.Action.ID))
	case dispatch.Rejected:
		utils.PrintError(fmt.Sprintf("%s rejected: %s", operation, res.Err))
		return cli.Exit("", 1)
	}
	return nil
}

func readPayload(c *cli.Context) (json.RawMessage, error) {
	var raw []byte

	switch file := c.String("file"); {
	case file == "-":
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading payload from stdin: %w", err)
		}
		raw = b
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading payload file: %w", err)
		}
		raw = b
	case c.NArg() > 1:
		raw = []byte(c.Args().Get(1))
	default:
		return nil, nil
	}

	if !json.Valid(raw) {
		return nil, cli.Exit("payload is not valid JSON", 1)
	}
	return raw, nil
}
