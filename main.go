package main

import "github.com/kennedyantonio030/LLM-Fine-Tuning/cmd"

func main() {
	cmd.Execute()
}
