// Package flows implements the flowcap flows CLI commands.
package flows

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/go-appsec/flowcap/flowcap/cliutil"
	"github.com/go-appsec/flowcap/flowcap/mcpclient"
	"github.com/go-appsec/flowcap/flowcap/service/store"
)

func connect(common commonFlags) (context.Context, context.CancelFunc, *mcpclient.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), common.timeout)
	client, err := mcpclient.Connect(ctx, common.mcpURL)
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return ctx, cancel, client, nil
}

func list(w io.Writer, common commonFlags) error {
	ctx, cancel, client, err := connect(common)
	if err != nil {
		return err
	}
	defer cancel()
	defer func() { _ = client.Close() }()

	resp, err := client.ListFlows(ctx)
	if err != nil {
		return fmt.Errorf("flows list failed: %w", err)
	}

	if len(resp.FlowFiles) == 0 {
		cliutil.NoResults(w, "No flows captured.")
		return nil
	}

	t := cliutil.NewTable(w)
	t.AppendHeader(table.Row{"Captured", "Method", "Target", "ID", "File"})
	for _, name := range resp.FlowFiles {
		captured, method, target, id := splitName(name)
		t.AppendRow(table.Row{captured, method, target, id, name})
	}
	t.Render()
	cliutil.Summary(w, resp.Count, "flow", "flows")
	cliutil.HintCommand(w, "To read a flow", "flowcap flows read "+resp.FlowFiles[0])
	return nil
}

// splitName recovers the display columns from a stored flow filename. Targets
// may contain underscores, so the method and id are taken from the ends.
func splitName(name string) (captured, method, target, id string) {
	base := strings.TrimSuffix(name, store.FileExt)
	if len(base) <= len(store.TimestampLayout)+1 {
		return "", "", base, ""
	}
	captured = strings.Replace(base[:len(store.TimestampLayout)], "_", " ", 1)
	rest := base[len(store.TimestampLayout)+1:]

	method, rest, _ = strings.Cut(rest, "_")
	if i := strings.LastIndex(rest, "_"); i >= 0 {
		target, id = rest[:i], rest[i+1:]
	} else {
		target = rest
	}
	return captured, method, target, id
}

func read(w io.Writer, common commonFlags, filename string) error {
	ctx, cancel, client, err := connect(common)
	if err != nil {
		return err
	}
	defer cancel()
	defer func() { _ = client.Close() }()

	text, err := client.ReadFlow(ctx, filename)
	if err != nil {
		return fmt.Errorf("flows read failed: %w", err)
	}
	_, err = fmt.Fprintln(w, text)
	return err
}

func clearAll(w io.Writer, common commonFlags) error {
	ctx, cancel, client, err := connect(common)
	if err != nil {
		return err
	}
	defer cancel()
	defer func() { _ = client.Close() }()

	resp, err := client.ClearFlows(ctx)
	if err != nil {
		return fmt.Errorf("flows clear failed: %w", err)
	}
	_, err = fmt.Fprintf(w, "Deleted %d flow files.\n", resp.DeletedFiles)
	return err
}
