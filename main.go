package main

import "github.com/petervdpas/roomcall/internal/cli"

func main() {
	cli.Execute()
}
