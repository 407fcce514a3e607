package main

import "github.com/svatoshgpt/gemini-bot-discord/cmd"

func main() {
	cmd.Execute()
}
