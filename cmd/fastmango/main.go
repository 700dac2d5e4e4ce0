// Command fastmango serves and manages a fastmango application with the
// built-in user model.
package main

import (
	"fmt"
	"os"

	"github.com/fastmango/fastmango/pkg/auth"
	"github.com/fastmango/fastmango/pkg/cli"
)

var version = "dev"

func main() {
	// The user model registers itself; referencing it keeps the import.
	_ = auth.Users

	root := cli.NewRootCommand(cli.Options{
		Name:    "fastmango",
		Version: version,
		Auth:    true,
	})
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
