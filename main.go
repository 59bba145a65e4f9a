package main

import "github.com/frahmantamala/pixflow/cmd"

func main() {
	cmd.Execute()
}
