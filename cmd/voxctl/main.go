// Package main provides the voxctl command line tool.
//
// Usage:
//
//	voxctl [flags] <command> [args]
//
// Local commands load the synthesis assets named by the configuration file
// and run in process:
//
//	synth    - enroll a reference clip and synthesize text to a WAV file
//	g2p      - print the phone symbols for a text
//	split    - print the fragments a text is segmented into
//	symbols  - list the phone symbol table
//
// Remote commands talk to a running voxd over NATS:
//
//	say      - synthesize through the bus and write the audio to a WAV file
//	speakers - list the voices a node has enrolled
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}
