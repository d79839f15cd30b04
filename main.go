package main

import (
	"github.com/ColonelBlimp/beatsync/cmd"
	"github.com/ColonelBlimp/beatsync/internal/recovery"
)

func main() {
	defer recovery.HandlePanic()
	cmd.Execute()
}
