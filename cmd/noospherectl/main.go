// Command noospherectl documents the external CLI contract a Noosphere
// deployment is expected to expose (spec §6): it accepts the commands
// below and reports which one was asked for, but implements none of
// them — dispatching sphere/key/auth operations is out of scope here
// (spec.md Non-goals), this binary exists only to fix the surface a
// real client is free to implement against.
package main

import (
	"fmt"
	"os"
)

// contract lists every command this binary's surface promises to
// accept, grouped the way spec §6 groups them.
var contract = []string{
	"key create", "key list",
	"sphere create", "sphere status", "sphere save", "sphere sync",
	"sphere join", "sphere render",
	"auth add", "auth list", "auth revoke",
	"serve",
	"config set", "config get",
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]
	name := cmd
	if len(args) > 0 && isSubcommand(cmd) {
		name = cmd + " " + args[0]
	}

	for _, known := range contract {
		if known == name || known == cmd {
			fmt.Fprintf(os.Stderr, "noospherectl: %q is part of the documented contract but not implemented by this binary\n", name)
			os.Exit(2)
		}
	}

	fmt.Fprintf(os.Stderr, "noospherectl: unknown command %q\n", name)
	usage()
	os.Exit(1)
}

func isSubcommand(cmd string) bool {
	switch cmd {
	case "key", "sphere", "auth", "config":
		return true
	default:
		return false
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: noospherectl <command> [args]")
	fmt.Fprintln(os.Stderr, "commands:")
	for _, c := range contract {
		fmt.Fprintln(os.Stderr, "  "+c)
	}
}
