// The main package for the media-fetcher executable.
package main

import "github.com/JakeFAU/media-fetcher/cmd"

func main() {
	cmd.Execute()
}
