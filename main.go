package main

import "github.com/saifsoub/smartpicks-trader-sub000/cmd"

func main() {
	cmd.Execute()
}
