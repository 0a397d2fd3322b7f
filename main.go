package main

import "github.com/multisocks-downloader/multisocks/cmd"

func main() {
	cmd.Execute()
}
