// Command worker dials a manager and executes dispatched skills until
// terminated.
package main

import "github.com/go-task-mesh/task-mesh/cmd/worker/cli"

func main() {
	cli.Execute()
}
