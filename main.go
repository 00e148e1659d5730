package main

import "github.com/ValentinKolb/dRange/cmd"

func main() {
	cmd.Execute()
}
