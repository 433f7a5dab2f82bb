package main

import "github.com/Aegis-Gate/Aegisgate/cmd/aegis-gate/cmd"

func main() {
	cmd.Execute()
}
