package main

import (
	"example.com/orderhub/cmd"
)

func main() {
	cmd.Execute()
}
