package main

import "github.com/ovalboard/lapboard-service-go/cmd"

func main() {
	cmd.Execute()
}
