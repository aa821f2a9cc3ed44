package main

import "github.com/rudransh-shrivastava/tincan/internal/cmd"

func main() {
	cmd.Execute()
}
