package main

import "os"

var version = "0.3.0"

func main() {
	os.Exit(Execute())
}
