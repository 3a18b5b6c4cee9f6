package main

import "github.com/ValentinKolb/vbKV/cmd"

func main() {
	cmd.Execute()
}
