package main

import "github.com/Go-routine-4595/plant-monitor/cmd"

func main() {
	cmd.Execute()
}
