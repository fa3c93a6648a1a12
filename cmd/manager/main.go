// Command manager accepts worker connections, dispatches tasks from the
// shared pool, and fronts the mesh with REST/gRPC submission and status
// surfaces.
package main

import "github.com/go-task-mesh/task-mesh/cmd/manager/cli"

func main() {
	cli.Execute()
}
