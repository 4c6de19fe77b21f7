// Command mqctl is the operator CLI for the MathQuest progression ledger.
package main

import "github.com/mathquest/mathquest-progress/cmd/mqctl/root"

func main() {
	root.Execute()
}
