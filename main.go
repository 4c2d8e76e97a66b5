// The main package for the site-crawler executable.
package main

import (
	"github.com/JakeFAU/site-crawler/cmd"
)

func main() {
	cmd.Execute()
}
