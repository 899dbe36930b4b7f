// Package main is the permit-crawler entrypoint.
package main

import "github.com/JakeFAU/permit-crawler/cmd"

func main() {
	cmd.Execute()
}
