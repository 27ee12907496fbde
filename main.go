// The main package for the emsal-crawler executable.
package main

import (
	"github.com/emsaltools/emsal-crawler/cmd"
)

func main() {
	cmd.Execute()
}
