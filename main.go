package main

import (
	_ "time/tzdata"

	"github.com/nextlevelbuilder/mentorbot/cmd"
)

func main() {
	cmd.Execute()
}
