// Command stepwise runs and inspects durable sequential workflows.
//
//	stepwise submit "4 nights in Lisbon"
//	stepwise serve --config stepwise.yaml
//	stepwise status <workflow-id>
package main

import (
	"context"
	"os"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
