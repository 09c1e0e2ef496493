package main

import "github.com/kellyson520/tg-forwarder/cmd"

func main() {
	cmd.Execute()
}
