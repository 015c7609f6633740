package main

import "github.com/MeKo-Tech/imgclass/cmd/imgclass/cmd"

func main() {
	cmd.Execute()
}
